package viewer

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/joeblew999/plat-cropwater/internal/explorer"
)

type pageDimension struct {
	ID    explorer.Dimension
	Label string
}

type pageData struct {
	Base       string
	Stream     string
	Signals    string
	Dimensions []pageDimension
}

// ServePage opens a session for the page's query string and renders the
// explorer page bound to it. Extra headers (Link) may be passed in.
func (h *Handler) ServePage(w http.ResponseWriter, r *http.Request, headers ...string) {
	if h.Renderer == nil {
		http.Error(w, "templates not loaded", http.StatusServiceUnavailable)
		return
	}
	s := h.mgr.Create(r.URL.Query())
	base := basePath + "/" + s.ID

	signals, err := json.Marshal(map[string]any{
		"session":   s.ID,
		"dimension": "",
		"value":     "",
		"kind":      "",
		"panel":     explorer.PanelNone,
		"ready":     false,
		"showcase":  map[string]any{"state": explorer.ShowcaseInactive},
		"layer":     map[string]any{"status": explorer.StatusUnresolved},
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := pageData{
		Base:    base,
		Stream:  base + "/stream",
		Signals: string(signals),
	}
	for _, d := range explorer.Dimensions {
		data.Dimensions = append(data.Dimensions, pageDimension{
			ID:    d,
			Label: strings.ReplaceAll(string(d), "_", " "),
		})
	}

	html, err := h.Renderer.Render("explorer-page", data)
	if err != nil {
		h.log.Error("render explorer page", zap.Error(err))
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	for _, link := range headers {
		w.Header().Add("Link", link)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(html))
}
