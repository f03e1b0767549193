package backend

import (
	"net/http"
	"os"
	"path/filepath"

	"tailscale.com/tsweb"

	"github.com/mapstack/scenegraph/internal/fsutil"
	"github.com/mapstack/scenegraph/internal/httputil"
	"github.com/mapstack/scenegraph/internal/security"
)

// CheckpointDir is where on-demand saves go, relative to the admin root.
const CheckpointDir = "checkpoints"

type checkpointResponse struct {
	SessionID string `json:"session_id"`
	Dir       string `json:"dir"`
}

type resetResponse struct {
	Nodes int `json:"nodes"`
}

// AttachAdminRoutes mounts POST-only actions on the debug mux:
// backend/checkpoint?name=N saves the current state under
// root/checkpoints/N and backend/reset rebuilds the graph from the frontend.
func (m *Module) AttachAdminRoutes(mux *http.ServeMux, root string) {
	debug := tsweb.Debugger(mux)
	debug.HandleSilentFunc("backend/checkpoint", func(w http.ResponseWriter, r *http.Request) {
		m.handleCheckpoint(w, r, root)
	})
	debug.HandleSilentFunc("backend/reset", m.handleReset)
}

func (m *Module) handleCheckpoint(w http.ResponseWriter, r *http.Request, root string) {
	if httputil.MethodNotAllowed(w, r, http.MethodPost) {
		return
	}
	if err := os.MkdirAll(root, artifactDirPerm); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	def := "checkpoint-" + m.clock.Now().UTC().Format("20060102T150405")
	dir := filepath.Join(root, CheckpointDir, security.SanitizeName(r.FormValue("name"), def))
	if err := security.WithinRoot(dir, root); err != nil {
		opsf("checkpoint rejected: %v", err)
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := m.Save(fsutil.OSFileSystem{}, dir); err != nil {
		opsf("checkpoint %s: %v", dir, err)
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	diagf("checkpoint saved to %s", dir)
	httputil.WriteJSON(w, http.StatusOK, checkpointResponse{SessionID: m.sessionID, Dir: dir})
}

func (m *Module) handleReset(w http.ResponseWriter, r *http.Request) {
	if httputil.MethodNotAllowed(w, r, http.MethodPost) {
		return
	}
	if err := m.Reset(); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g := m.backend.Snapshot()
	httputil.WriteJSON(w, http.StatusOK, resetResponse{Nodes: g.NumNodes()})
}
