package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// /api/v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	online := 0
	devs := s.reg.List()
	for _, d := range devs {
		if d.Online {
			online++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"devices": len(devs),
		"online":  online,
	})
}

// /api/v1/devices
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": s.reg.List()})
}

// /api/v1/devices/{name}
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d, ok := s.reg.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"ok":    false,
			"error": "device not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": d})
}
