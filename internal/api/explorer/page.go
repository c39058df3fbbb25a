package explorer

import (
	"bytes"
	"net/http"
)

// PageData fills the viewer page template.
type PageData struct {
	Title    string
	Session  string
	StyleURL string
}

// Page serves the viewer page, each load bound to a fresh session.
func (h *SessionHandler) Page() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.Renderer == nil {
			http.Error(w, "Templates not available", http.StatusServiceUnavailable)
			return
		}
		s := h.viewers.Create()
		var buf bytes.Buffer
		err := h.Renderer.RenderToBuffer(&buf, "viewer-page", PageData{
			Title:    "Mainstem explorer",
			Session:  s.ID(),
			StyleURL: h.viewers.Config().Style,
		})
		if err != nil {
			h.viewers.Close(s.ID())
			h.Logger.Error("rendering viewer page", "error", err)
			http.Error(w, "Failed to render page", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(buf.Bytes())
	})
}
