// Package routes exposes the call subsystem over localhost HTTP for the
// page UI: JSON commands, SSE event feeds, and a WebSocket media tap.
package routes

import (
	"net/http"

	"github.com/petervdpas/skillmesh/internal/call"
	"github.com/petervdpas/skillmesh/internal/config"
	"github.com/petervdpas/skillmesh/internal/relay"
	"github.com/petervdpas/skillmesh/internal/session"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	SelfID  string
	Store   session.Store
	Calls   *call.Manager
	Node    *relay.Node
	Logs    Logs
	Cfg     func() config.Config
	CfgPath string
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerSessionRoutes(mux, d)
	registerCallRoutes(mux, d)
	registerPeerRoutes(mux, d)
	registerSettingsRoutes(mux, d)
}
