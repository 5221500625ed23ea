// internal/viewer/routes/sessions.go

package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/petervdpas/skillmesh/internal/session"
)

func registerSessionRoutes(mux *http.ServeMux, d Deps) {
	// POST /api/sessions — create a pending session. The local user is the
	// learner by default; "as_host" flips the roles.
	handlePost(mux, "/api/sessions", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string       `json:"peer_id"`
		Skill  string       `json:"skill"`
		Mode   session.Mode `json:"mode"`
		AsHost bool         `json:"as_host"`
	}) {
		if req.PeerID == "" || req.PeerID == d.SelfID {
			http.Error(w, "missing or invalid peer_id", http.StatusBadRequest)
			return
		}
		if req.Mode == "" {
			req.Mode = session.ModeLive
		}
		host, learner := req.PeerID, d.SelfID
		if req.AsHost {
			host, learner = d.SelfID, req.PeerID
		}
		sess, err := d.Store.CreateSession(r.Context(), host, learner, req.Skill, req.Mode)
		if err != nil {
			http.Error(w, fmt.Sprintf("create session failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, sess)
	})

	// GET /api/sessions/list
	handleGet(mux, "/api/sessions/list", func(w http.ResponseWriter, r *http.Request) {
		sessions, err := d.Store.ListSessions(r.Context(), d.SelfID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"sessions": sessions, "count": len(sessions)})
	})

	// GET /api/sessions/{id}
	mux.HandleFunc("/api/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id, ok := parseID(strings.TrimPrefix(r.URL.Path, "/api/sessions/"))
		if !ok {
			http.Error(w, "invalid session id", http.StatusBadRequest)
			return
		}
		sess, err := d.Store.GetSession(r.Context(), id)
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, sess)
	})

	// GET /api/sessions/events — SSE: session row changes for this user.
	handleGet(mux, "/api/sessions/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		feed, cancel := d.Store.Subscribe(d.SelfID)
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case c, ok := <-feed:
				if !ok {
					return
				}
				data, err := json.Marshal(c)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: session\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}
