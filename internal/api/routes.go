// Package api defines the Huma API routes and handlers.
package api

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/plat-cropwater/internal/humastar"
	"github.com/joeblew999/plat-cropwater/internal/service"
)

// Services holds the service dependencies for API handlers.
type Services struct {
	Layer   *service.LayerService
	Style   *service.StyleService
	Stats   *service.StatisticsService
	Catalog *service.CatalogService
	Country *service.CountryService
	Sources *service.SourceService
	Bus     *service.EventBus
}

// Types

type IDInput struct {
	ID string `path:"id" doc:"Resource ID" example:"wheat_cwatm_gfdl-esm2m_rcp26_wf_2030"`
}

type PageInput struct {
	Offset int `query:"offset" minimum:"0" default:"0" doc:"Items to skip"`
	Limit  int `query:"limit" minimum:"1" maximum:"500" default:"50" doc:"Page size"`
}

// LayerBody is a layer with its state-dependent actions.
type LayerBody struct {
	service.Layer
}

var layerActions = []humastar.ActionDef{
	{Rel: "edit", Pattern: "/api/v1/layers/%s", Method: "PUT", Title: "Replace layer"},
	{Rel: "delete", Pattern: "/api/v1/layers/%s", Method: "DELETE", Title: "Delete layer"},
	{Rel: "statistics", Pattern: "/api/v1/layers/%s/statistics", Method: "GET", Title: "Country statistics"},
}

// Actions offers enable or disable depending on the layer state.
func (b LayerBody) Actions() []humastar.Action {
	defs := append([]humastar.ActionDef(nil), layerActions...)
	if b.Enabled {
		defs = append(defs, humastar.ActionDef{Rel: "disable", Pattern: "/api/v1/layers/%s/disable", Method: "POST", Title: "Stop serving layer"})
	} else {
		defs = append(defs, humastar.ActionDef{Rel: "enable", Pattern: "/api/v1/layers/%s/enable", Method: "POST", Title: "Serve layer"})
	}
	return humastar.ActionsFor(b.ID, defs)
}

type LayerOutput struct {
	Body LayerBody
}

type MessageBody struct {
	Message string `json:"message" doc:"Result message"`
}

type HealthBody struct {
	Status  string `json:"status" doc:"Health status" example:"ok"`
	Version string `json:"version" doc:"API version" example:"1.0.0"`
}

// APIHandler holds all REST API handlers. Methods named Register* are
// auto-discovered by huma.AutoRegister.
type APIHandler struct {
	svc *Services
}

func NewAPIHandler(svc *Services) *APIHandler {
	return &APIHandler{svc: svc}
}

// RegisterHealth registers health check routes.
func (h *APIHandler) RegisterHealth(api huma.API) {
	huma.Get(api, "/health", h.GetHealth, huma.OperationTags("health"))
}

// RegisterLayers registers layer CRUD routes.
func (h *APIHandler) RegisterLayers(api huma.API) {
	tags := huma.OperationTags("layers")
	huma.Get(api, "/api/v1/layers", h.GetLayers, tags)
	huma.Post(api, "/api/v1/layers", h.CreateLayer, tags)
	huma.Get(api, "/api/v1/layers/{id}", h.GetLayer, tags)
	huma.Put(api, "/api/v1/layers/{id}", h.PutLayer, tags)
	huma.Delete(api, "/api/v1/layers/{id}", h.DeleteLayer, tags)
	huma.Post(api, "/api/v1/layers/{id}/enable", h.EnableLayer, tags)
	huma.Post(api, "/api/v1/layers/{id}/disable", h.DisableLayer, tags)
}

// RegisterStyles registers color ramp routes.
func (h *APIHandler) RegisterStyles(api huma.API) {
	tags := huma.OperationTags("styles")
	huma.Get(api, "/api/v1/styles", h.GetStyles, tags)
	huma.Get(api, "/api/v1/styles/{id}", h.GetStyle, tags)
	huma.Put(api, "/api/v1/styles/{id}", h.PutStyle, tags)
	huma.Delete(api, "/api/v1/styles/{id}", h.DeleteStyle, tags)
}

// Handlers

func (h *APIHandler) GetHealth(ctx context.Context, input *struct{}) (*struct{ Body HealthBody }, error) {
	return &struct{ Body HealthBody }{Body: HealthBody{Status: "ok", Version: "1.0.0"}}, nil
}

func (h *APIHandler) GetLayers(ctx context.Context, input *PageInput) (*struct {
	Body humastar.PageBody[service.Layer]
}, error) {
	all := h.svc.Layer.List()
	start := min(input.Offset, len(all))
	end := min(start+input.Limit, len(all))
	return &struct {
		Body humastar.PageBody[service.Layer]
	}{Body: humastar.PageBody[service.Layer]{
		Total:  len(all),
		Offset: input.Offset,
		Limit:  input.Limit,
		Data:   all[start:end],
	}}, nil
}

func (h *APIHandler) CreateLayer(ctx context.Context, input *struct{ Body service.Layer }) (*LayerOutput, error) {
	created, err := h.svc.Layer.Create(input.Body)
	if err != nil {
		return nil, serviceError(err)
	}
	if err := h.publish(ctx, service.ResourceLayers, "created", created.ID); err != nil {
		return nil, err
	}
	return &LayerOutput{Body: LayerBody{created}}, nil
}

func (h *APIHandler) GetLayer(ctx context.Context, input *IDInput) (*LayerOutput, error) {
	layer, ok := h.svc.Layer.Get(input.ID)
	if !ok {
		return nil, huma.Error404NotFound("layer not found")
	}
	return &LayerOutput{Body: LayerBody{layer}}, nil
}

func (h *APIHandler) PutLayer(ctx context.Context, input *struct {
	IDInput
	Body service.Layer
}) (*LayerOutput, error) {
	updated, err := h.svc.Layer.Update(input.ID, input.Body)
	if err != nil {
		return nil, serviceError(err)
	}
	if err := h.publish(ctx, service.ResourceLayers, "updated", updated.ID); err != nil {
		return nil, err
	}
	return &LayerOutput{Body: LayerBody{updated}}, nil
}

func (h *APIHandler) DeleteLayer(ctx context.Context, input *IDInput) (*struct{ Body MessageBody }, error) {
	if err := h.svc.Layer.Delete(input.ID); err != nil {
		return nil, serviceError(err)
	}
	if h.svc.Stats != nil {
		if err := h.svc.Stats.Delete(ctx, input.ID); err != nil {
			return nil, huma.Error500InternalServerError("layer deleted but statistics remain", err)
		}
	}
	if err := h.publish(ctx, service.ResourceLayers, "deleted", input.ID); err != nil {
		return nil, err
	}
	return &struct{ Body MessageBody }{Body: MessageBody{Message: "Layer deleted"}}, nil
}

func (h *APIHandler) EnableLayer(ctx context.Context, input *IDInput) (*LayerOutput, error) {
	return h.setEnabled(ctx, input.ID, true)
}

func (h *APIHandler) DisableLayer(ctx context.Context, input *IDInput) (*LayerOutput, error) {
	return h.setEnabled(ctx, input.ID, false)
}

func (h *APIHandler) setEnabled(ctx context.Context, id string, enabled bool) (*LayerOutput, error) {
	layer, err := h.svc.Layer.SetEnabled(id, enabled)
	if err != nil {
		return nil, serviceError(err)
	}
	action := "disabled"
	if enabled {
		action = "enabled"
	}
	if err := h.publish(ctx, service.ResourceLayers, action, id); err != nil {
		return nil, err
	}
	return &LayerOutput{Body: LayerBody{layer}}, nil
}

func (h *APIHandler) GetStyles(ctx context.Context, input *struct{}) (*struct{ Body []service.Style }, error) {
	return &struct{ Body []service.Style }{Body: h.svc.Style.List()}, nil
}

func (h *APIHandler) GetStyle(ctx context.Context, input *IDInput) (*struct{ Body service.Style }, error) {
	style, ok := h.svc.Style.Get(input.ID)
	if !ok {
		return nil, huma.Error404NotFound("style not found")
	}
	return &struct{ Body service.Style }{Body: style}, nil
}

func (h *APIHandler) PutStyle(ctx context.Context, input *struct {
	IDInput
	Body service.Style
}) (*struct{ Body service.Style }, error) {
	style := input.Body
	style.ID = input.ID
	for _, s := range style.Stops {
		if s.Opacity < 0 || s.Opacity > 1 {
			return nil, huma.Error422UnprocessableEntity("stop opacity must be between 0 and 1")
		}
	}
	saved, err := h.svc.Style.Put(style)
	if err != nil {
		return nil, serviceError(err)
	}
	if err := h.publish(ctx, service.ResourceStyles, "updated", saved.ID); err != nil {
		return nil, err
	}
	return &struct{ Body service.Style }{Body: saved}, nil
}

func (h *APIHandler) DeleteStyle(ctx context.Context, input *IDInput) (*struct{ Body MessageBody }, error) {
	if err := h.svc.Style.Delete(input.ID); err != nil {
		return nil, serviceError(err)
	}
	if err := h.publish(ctx, service.ResourceStyles, "deleted", input.ID); err != nil {
		return nil, err
	}
	return &struct{ Body MessageBody }{Body: MessageBody{Message: "Style deleted"}}, nil
}

// publish invalidates the resolve cache before announcing a catalog change,
// so the next resolve after the handler returns sees the change.
func (h *APIHandler) publish(ctx context.Context, resource, action, id string) error {
	ev := service.Event{Resource: resource, Action: action, ID: id}
	if ev.Catalog() && h.svc.Catalog != nil {
		if err := h.svc.Catalog.Invalidate(ctx); err != nil {
			return huma.Error500InternalServerError("saved but the resolve cache could not be flushed", err)
		}
	}
	if h.svc.Bus != nil {
		h.svc.Bus.Publish(ev)
	}
	return nil
}

// serviceError maps service sentinel errors onto HTTP problems.
func serviceError(err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, service.ErrExists):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, service.ErrInvalidLayer):
		return huma.Error422UnprocessableEntity(err.Error())
	}
	return huma.Error500InternalServerError("internal error", err)
}
