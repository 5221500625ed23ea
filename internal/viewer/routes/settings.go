// internal/viewer/routes/settings.go

package routes

import "net/http"

func registerSettingsRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/settings — current effective config (hot-reloaded values
	// included).
	handleGet(mux, "/api/settings", func(w http.ResponseWriter, r *http.Request) {
		if d.Cfg == nil {
			http.Error(w, "config not available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{
			"path":   d.CfgPath,
			"config": d.Cfg(),
		})
	})
}

func registerAPILogRoutes(mux *http.ServeMux, d Deps) {
	if d.Logs == nil {
		return
	}
	mux.HandleFunc("/api/logs", d.Logs.ServeLogsJSON)
	mux.HandleFunc("/api/logs/stream", d.Logs.ServeLogsSSE)
}
