// internal/viewer/routes/peer.go

package routes

import (
	"fmt"
	"net/http"
)

func registerPeerRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/peer/self — relay identity and listen addresses, for sharing
	// out-of-band when mDNS discovery does not reach the other side.
	handleGet(mux, "/api/peer/self", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"user_id": d.SelfID}
		if d.Node != nil {
			resp["relay_id"] = d.Node.ID()
			resp["addrs"] = d.Node.Addrs()
		}
		writeJSON(w, resp)
	})

	// POST /api/peer/connect — dial a remote relay node by multiaddr.
	handlePost(mux, "/api/peer/connect", func(w http.ResponseWriter, r *http.Request, req struct {
		Addr string `json:"addr"`
	}) {
		if req.Addr == "" {
			http.Error(w, "missing addr", http.StatusBadRequest)
			return
		}
		if d.Node == nil {
			http.Error(w, "relay not running", http.StatusServiceUnavailable)
			return
		}
		if err := d.Node.ConnectAddr(r.Context(), req.Addr); err != nil {
			http.Error(w, fmt.Sprintf("connect failed: %v", err), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]string{"status": "connected"})
	})
}
