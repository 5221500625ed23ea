// Package viewer serves the localhost HTTP surface the page UI talks to.
package viewer

import (
	"net/http"

	"github.com/petervdpas/skillmesh/internal/call"
	"github.com/petervdpas/skillmesh/internal/config"
	"github.com/petervdpas/skillmesh/internal/relay"
	"github.com/petervdpas/skillmesh/internal/session"
	"github.com/petervdpas/skillmesh/internal/viewer/routes"
)

type Viewer struct {
	SelfID string
	Store  session.Store
	Calls  *call.Manager
	Node   *relay.Node

	CfgPath string
	Cfg     func() config.Config
	Logs    *LogBuffer
}

// RegisterRoutes wires all API endpoints onto mux. Callers embedding the
// surface in a larger server use this directly; Start is the standalone path.
func RegisterRoutes(mux *http.ServeMux, v Viewer) {
	d := routes.Deps{
		SelfID:  v.SelfID,
		Store:   v.Store,
		Calls:   v.Calls,
		Node:    v.Node,
		Cfg:     v.Cfg,
		CfgPath: v.CfgPath,
	}
	if v.Logs != nil {
		d.Logs = v.Logs
	}
	routes.Register(mux, d)
}

func Start(addr string, v Viewer) error {
	mux := http.NewServeMux()
	RegisterRoutes(mux, v)
	return http.ListenAndServe(addr, mux)
}
