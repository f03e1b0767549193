package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapstack/scenegraph/internal/fsutil"
	"github.com/mapstack/scenegraph/internal/testutil"
)

func adminRequest(method, target string, form url.Values) *http.Request {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestCheckpointRoute(t *testing.T) {
	m := newTestModule(t, testutil.NewFrontend(t, 0, 3), Deps{})
	require.NoError(t, m.SpinOnce(context.Background(), Input{TimestampNs: 1}, false))
	root := t.TempDir()
	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux, root)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, adminRequest(http.MethodPost, "/debug/backend/checkpoint", url.Values{"name": {"../before lc"}}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp checkpointResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	want := filepath.Join(root, CheckpointDir, "before_lc")
	assert.Equal(t, want, resp.Dir)
	assert.Equal(t, m.SessionID(), resp.SessionID)

	_, bad, err := VerifyManifest(fsutil.OSFileSystem{}, want)
	require.NoError(t, err)
	assert.Empty(t, bad)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, adminRequest(http.MethodGet, "/debug/backend/checkpoint", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestResetRoute(t *testing.T) {
	m := newTestModule(t, testutil.NewFrontend(t, 0, 2), Deps{})
	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux, t.TempDir())

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, adminRequest(http.MethodPost, "/debug/backend/reset", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp resetResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Nodes)
}
