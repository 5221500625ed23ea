// internal/viewer/routes/call.go

package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/skillmesh/internal/call"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The UI is served from localhost but may run inside a webview with an
	// opaque origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func registerCallRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/call/debug — live call + connection status for testing
	// without a UI.
	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		calls := d.Calls.Snapshot()
		writeJSON(w, map[string]any{
			"call_count": len(calls),
			"calls":      calls,
			"history":    d.Calls.History(),
		})
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID int64 `json:"session_id"`
	}) {
		if req.SessionID <= 0 {
			http.Error(w, "missing session_id", http.StatusBadRequest)
			return
		}
		if err := d.Calls.StartOutgoing(r.Context(), req.SessionID); err != nil {
			http.Error(w, fmt.Sprintf("start call failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"status": "started", "session_id": req.SessionID})
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID int64 `json:"session_id"`
	}) {
		err := d.Calls.Accept(r.Context(), req.SessionID)
		if errors.Is(err, call.ErrAlreadyHandled) {
			writeJSON(w, map[string]any{"status": "already_handled", "session_id": req.SessionID})
			return
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("accept call failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"status": "accepted", "session_id": req.SessionID})
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID int64 `json:"session_id"`
	}) {
		err := d.Calls.Reject(r.Context(), req.SessionID)
		if errors.Is(err, call.ErrAlreadyHandled) {
			writeJSON(w, map[string]any{"status": "already_handled", "session_id": req.SessionID})
			return
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("reject call failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"status": "rejected", "session_id": req.SessionID})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID int64 `json:"session_id"`
	}) {
		err := d.Calls.End(r.Context(), req.SessionID)
		if errors.Is(err, call.ErrNoSuchCall) {
			writeJSON(w, map[string]string{"status": "not_found"})
			return
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("hangup failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID int64 `json:"session_id"`
	}) {
		muted, err := d.Calls.ToggleAudio(req.SessionID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID int64 `json:"session_id"`
	}) {
		disabled, err := d.Calls.ToggleVideo(req.SessionID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"disabled": disabled})
	})

	// GET /api/call/events — SSE: incoming-call notifications plus every
	// call-state transition. Each connection holds its own subscription,
	// released on disconnect.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		inCh, cancelIn := d.Calls.SubscribeIncoming()
		defer cancelIn()
		evCh, cancelEv := d.Calls.Subscribe()
		defer cancelEv()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ic, ok := <-inCh:
				if !ok {
					return
				}
				data, err := json.Marshal(ic)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: incoming-call\ndata: %s\n\n", data)
				flusher.Flush()
			case ev, ok := <-evCh:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: call\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})

	// GET /api/call/media/{session} — WebSocket: remote RTP payload stream
	// for the session. The browser feeds the binary messages to its
	// rendering pipeline.
	mux.HandleFunc("/api/call/media/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tail := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/call/media/"), "/")
		id, ok := parseID(tail)
		if !ok {
			http.Error(w, "invalid session id", http.StatusBadRequest)
			return
		}

		dataCh, cancel, err := d.Calls.SubscribeRemoteMedia(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		defer cancel()

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("CALL [%d]: WebSocket upgrade error: %v", id, err)
			return
		}
		defer conn.Close()
		log.Printf("CALL [%d]: media WebSocket connected", id)

		// Drain incoming control frames without blocking the writer.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-r.Context().Done():
				log.Printf("CALL [%d]: media WebSocket disconnected", id)
				return
			case data, ok := <-dataCh:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
					return
				}
			}
		}
	})
}
