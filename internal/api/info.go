package api

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
)

// Backends describes which optional infrastructure the server runs with.
type Backends struct {
	DB    bool   `json:"db" doc:"Whether DuckDB is available"`
	Cache string `json:"cache" enum:"memory,redis" doc:"Resolve cache backend"`
	NATS  bool   `json:"nats" doc:"Whether catalog events are mirrored over NATS"`
}

type InfoHandler struct {
	dataDir  string
	backends Backends
}

func NewInfoHandler(dataDir string, backends Backends) *InfoHandler {
	return &InfoHandler{dataDir: dataDir, backends: backends}
}

func (h *InfoHandler) RegisterRoutes(api huma.API) {
	huma.Get(api, "/api/v1/info", h.GetInfo, huma.OperationTags("health"))
}

type InfoBody struct {
	Name     string   `json:"name" doc:"Service name"`
	Version  string   `json:"version" doc:"Service version"`
	DataDir  string   `json:"data_dir" doc:"Data directory path"`
	Backends Backends `json:"backends" doc:"Optional infrastructure in use"`
	Features []string `json:"features" doc:"Available features"`
}

func (h *InfoHandler) GetInfo(ctx context.Context, input *struct{}) (*struct{ Body InfoBody }, error) {
	features := []string{"explorer", "showcase", "resolve", "countries", "download"}
	if h.backends.DB {
		features = append(features, "statistics", "duckdb")
	}
	return &struct{ Body InfoBody }{Body: InfoBody{
		Name:     "plat-cropwater",
		Version:  "0.1.0",
		DataDir:  h.dataDir,
		Backends: h.backends,
		Features: features,
	}}, nil
}
