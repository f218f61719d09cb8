// Package viewer hosts map explorer sessions over Datastar SSE.
package viewer

import (
	"context"
	"errors"
	"net/url"
	"reflect"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"github.com/joeblew999/plat-cropwater/internal/explorer"
	"github.com/joeblew999/plat-cropwater/internal/humastar"
	"github.com/joeblew999/plat-cropwater/internal/templates"
)

const basePath = "/api/v1/explorer/sessions"

// Handler serves the explorer session routes.
type Handler struct {
	humastar.Handler
	mgr *Manager
	log *zap.Logger
}

// NewHandler creates the session handler.
func NewHandler(mgr *Manager, renderer *templates.Renderer, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Handler: humastar.Handler{Renderer: renderer},
		mgr:     mgr,
		log:     log,
	}
}

func (h *Handler) RegisterRoutes(api huma.API) {
	tags := huma.OperationTags("explorer")
	huma.Post(api, basePath, h.CreateSession, tags)
	huma.Get(api, basePath, h.ListSessions, tags)
	huma.Get(api, basePath+"/{id}", h.GetSession, tags)
	huma.Delete(api, basePath+"/{id}", h.DeleteSession, tags)
	huma.Get(api, basePath+"/{id}/stream", h.Stream, tags)
	huma.Post(api, basePath+"/{id}/select", h.Select, tags)
	huma.Post(api, basePath+"/{id}/panel", h.SetPanel, tags)
	huma.Post(api, basePath+"/{id}/interact", h.Interact, tags)
	huma.Post(api, basePath+"/{id}/showcase/goto/{index}", h.ShowcaseGoTo, tags)
	huma.Post(api, basePath+"/{id}/showcase/{action}", h.ShowcaseAction, tags)
}

// Types

type SessionInput struct {
	ID string `path:"id" doc:"Session ID"`
}

type CreateSessionInput struct {
	Body struct {
		Query string `json:"query,omitempty" doc:"Query string the page was opened with" example:"crop=wheat&variable=wf"`
	}
}

type SessionBody struct {
	ID     string `json:"id" doc:"Session ID"`
	Stream string `json:"stream" doc:"SSE stream URL"`
}

type SessionSummary struct {
	ID       string                 `json:"id" doc:"Session ID"`
	Created  time.Time              `json:"created" doc:"Creation time"`
	Showcase explorer.ShowcaseState `json:"showcase" doc:"Showcase state"`
	Ready    bool                   `json:"ready" doc:"Whether nothing is loading"`
}

type SelectInput struct {
	SessionInput
	humastar.SignalsInput
}

type PanelInput struct {
	SessionInput
	Body struct {
		Panel explorer.Panel `json:"panel" doc:"Panel to open (info), empty to close"`
	}
}

type InteractInput struct {
	SessionInput
	Body struct {
		Kind explorer.Interaction `json:"kind" required:"true" enum:"pointerdown,wheel,touchstart" doc:"Map interaction"`
	}
}

type ShowcaseActionInput struct {
	SessionInput
	Action string `path:"action" enum:"play,pause,next,prev,exit" doc:"Showcase control"`
}

type ShowcaseGoToInput struct {
	SessionInput
	Index int `path:"index" minimum:"0" doc:"Slide index"`
}

type StatusOutput struct {
	Body explorer.ShowcaseStatus
}

// Handlers

func (h *Handler) session(id string) (*Session, error) {
	s, ok := h.mgr.Get(id)
	if !ok {
		return nil, huma.Error404NotFound("session not found")
	}
	return s, nil
}

func (h *Handler) CreateSession(ctx context.Context, input *CreateSessionInput) (*struct{ Body SessionBody }, error) {
	params, err := url.ParseQuery(input.Body.Query)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid query string", err)
	}
	s := h.mgr.Create(params)
	return &struct{ Body SessionBody }{Body: SessionBody{ID: s.ID, Stream: basePath + "/" + s.ID + "/stream"}}, nil
}

func (h *Handler) ListSessions(ctx context.Context, input *humastar.EmptyInput) (*struct{ Body []SessionSummary }, error) {
	sessions := h.mgr.List()
	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionSummary{
			ID:       s.ID,
			Created:  s.Created,
			Showcase: s.Explorer.Showcase().State(),
			Ready:    s.Explorer.Ready(),
		})
	}
	return &struct{ Body []SessionSummary }{Body: out}, nil
}

func (h *Handler) GetSession(ctx context.Context, input *SessionInput) (*struct{ Body explorer.Snapshot }, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	return &struct{ Body explorer.Snapshot }{Body: s.Explorer.Snapshot()}, nil
}

func (h *Handler) DeleteSession(ctx context.Context, input *SessionInput) (*struct{}, error) {
	if !h.mgr.Delete(input.ID) {
		return nil, huma.Error404NotFound("session not found")
	}
	return &struct{}{}, nil
}

func (h *Handler) Select(ctx context.Context, input *SelectInput) (*struct{}, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	signals, err := input.MustParse()
	if err != nil {
		return nil, err
	}
	d := explorer.Dimension(signals.String("dimension"))
	value := signals.String("value")
	if value == "" {
		if year := signals.Int("value"); year != 0 {
			value = strconv.Itoa(year)
		}
	}

	if err := s.Explorer.Select(d, value); err != nil {
		if errors.Is(err, explorer.ErrShowcaseActive) {
			return nil, huma.Error409Conflict("exit the showcase before selecting")
		}
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}
	return &struct{}{}, nil
}

func (h *Handler) SetPanel(ctx context.Context, input *PanelInput) (*struct{}, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	switch input.Body.Panel {
	case explorer.PanelNone, explorer.PanelInfo:
	default:
		return nil, huma.Error422UnprocessableEntity("unknown panel")
	}
	s.Explorer.SetPanel(input.Body.Panel)
	return &struct{}{}, nil
}

func (h *Handler) Interact(ctx context.Context, input *InteractInput) (*struct{}, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	s.Explorer.Interact(input.Body.Kind)
	return &struct{}{}, nil
}

func (h *Handler) ShowcaseAction(ctx context.Context, input *ShowcaseActionInput) (*StatusOutput, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	sc := s.Explorer.Showcase()
	if sc.State() == explorer.ShowcaseInactive {
		return nil, huma.Error409Conflict("showcase is not active")
	}
	switch input.Action {
	case "play":
		sc.Play()
	case "pause":
		sc.Pause()
	case "next":
		sc.Next()
	case "prev":
		sc.Prev()
	case "exit":
		sc.Exit()
	}
	return &StatusOutput{Body: sc.Status()}, nil
}

func (h *Handler) ShowcaseGoTo(ctx context.Context, input *ShowcaseGoToInput) (*StatusOutput, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	sc := s.Explorer.Showcase()
	if sc.State() == explorer.ShowcaseInactive {
		return nil, huma.Error409Conflict("showcase is not active")
	}
	if input.Index >= sc.Status().Count {
		return nil, huma.Error422UnprocessableEntity("slide index out of range")
	}
	sc.GoTo(input.Index)
	return &StatusOutput{Body: sc.Status()}, nil
}

// Stream pushes the session state as Datastar signals and fragments until
// the client goes away or the session is closed.
func (h *Handler) Stream(ctx context.Context, input *SessionInput) (*huma.StreamResponse, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	return h.Handler.Stream(func(ctx context.Context, sse humastar.SSE) {
		var fr frame
		for {
			if err := h.push(sse, s.Explorer.Snapshot(), &fr); err != nil {
				h.log.Debug("stream closed", zap.String("session", s.ID), zap.Error(err))
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-s.Done():
				sse.Error("session closed")
				return
			case <-s.Changes():
			}
		}
	}), nil
}

// frame remembers what a stream already sent so unchanged fragments are
// not re-rendered on every showcase tick.
type frame struct {
	sent   bool
	layer  explorer.ResolvedLayer
	slide  explorer.ShowcaseStatus
	items  map[explorer.Dimension][]explorer.Item
	choice explorer.Selection
}

func (h *Handler) push(sse humastar.SSE, snap explorer.Snapshot, fr *frame) error {
	if err := sse.Signals(signalsFor(snap)); err != nil {
		return err
	}
	if h.Renderer == nil {
		return nil
	}

	if !fr.sent || !reflect.DeepEqual(fr.layer, snap.Layer) {
		title := itemName(snap.Items, legendDimension(snap.Selection), snap.Layer.LegendVariable)
		html, err := h.Renderer.Render("legend", BuildLegend(snap.Layer, title))
		if err != nil {
			return err
		}
		if err := sse.Patch(html, "#legend"); err != nil {
			return err
		}
	}

	if !fr.sent || fr.slide.State != snap.Showcase.State || fr.slide.Index != snap.Showcase.Index ||
		fr.slide.Progress != snap.Showcase.Progress {
		html := ""
		if snap.Showcase.State != explorer.ShowcaseInactive {
			var err error
			if html, err = h.Renderer.Render("slide", snap.Showcase); err != nil {
				return err
			}
		}
		if err := sse.Patch(html, "#showcase"); err != nil {
			return err
		}
	}

	if !fr.sent || fr.choice != snap.Selection || !reflect.DeepEqual(fr.items, snap.Items) {
		for _, d := range explorer.Dimensions {
			if err := sse.Patch(h.RenderSelect("—", options(snap.Items[d], snap.Selection.Get(d))), "#items-"+string(d)); err != nil {
				return err
			}
		}
	}

	fr.sent = true
	fr.layer = snap.Layer
	fr.slide = snap.Showcase
	fr.items = snap.Items
	fr.choice = snap.Selection
	return nil
}

func signalsFor(snap explorer.Snapshot) map[string]any {
	layer := snap.Layer
	layer.CountryAverages = nil
	return map[string]any{
		"selection": snap.Selection,
		"layer":     layer,
		"ready":     snap.Ready,
		"loading":   snap.Loading,
		"showcase": map[string]any{
			"state":    snap.Showcase.State,
			"index":    snap.Showcase.Index,
			"progress": snap.Showcase.Progress,
			"count":    snap.Showcase.Count,
		},
		"panel": snap.Panel,
	}
}

func legendDimension(sel explorer.Selection) explorer.Dimension {
	if sel.CropVariable != "" {
		return explorer.DimCropVariable
	}
	return explorer.DimVariable
}

func itemName(items map[explorer.Dimension][]explorer.Item, d explorer.Dimension, id string) string {
	for _, it := range items[d] {
		if it.ID == id {
			return it.Name
		}
	}
	return id
}

func options(items []explorer.Item, selected string) []humastar.SelectOptionData {
	out := make([]humastar.SelectOptionData, 0, len(items))
	for _, it := range items {
		out = append(out, humastar.SelectOptionData{
			Value:    it.ID,
			Label:    it.Name,
			Disabled: !it.Enabled,
			Selected: it.ID == selected,
		})
	}
	return out
}
