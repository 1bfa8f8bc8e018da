package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynplug/dynplug/config"
	"github.com/dynplug/dynplug/dynplugerr"
	"github.com/dynplug/dynplug/manager"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	_, err := config.Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	mgr, _, err := manager.Init(filepath.Join(dir, "config.yaml"), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)

	return New(mgr, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func decodeEnvelope(t *testing.T, body *bytes.Buffer) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.NewDecoder(body).Decode(&env))
	return env
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/health", "/api/v1/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		env := decodeEnvelope(t, rec.Body)
		assert.True(t, env.Success)
	}
}

func TestListPluginsEmpty(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/plugins", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec.Body)
	assert.True(t, env.Success)
}

func TestExecuteUnknownPluginReturns404(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"input": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/plugins/nope/execute", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec.Body)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Error)
}

func TestExecuteMalformedBodyReturns400(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/plugins/nope/execute", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusForErrorMapping(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusForError(dynplugerr.NotFound("x")))
	assert.Equal(t, http.StatusConflict, statusForError(dynplugerr.Disabled("x")))
	assert.Equal(t, http.StatusInternalServerError, statusForError(dynplugerr.Timeout("x")))
	assert.Equal(t, http.StatusInternalServerError, statusForError(dynplugerr.ExecutionFailed("x", assert.AnError)))
}

func TestExecuteUnknownPluginRendersUserMessage(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"input": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/plugins/nope/execute", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	env := decodeEnvelope(t, rec.Body)
	assert.False(t, env.Success)
	assert.Equal(t, dynplugerr.NotFound("nope").UserMessage(), env.Error)
}

func TestEnableManyDisableManyBatch(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string][]string{"names": {"a", "b"}})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/plugins/enable", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec.Body)
	assert.True(t, env.Success)

	// neither "a" nor "b" is loaded or in config, so each name fails
	// independently with NotFound while the batch itself still succeeds
	results, ok := env.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, results, 2)
	for _, raw := range results {
		item, ok := raw.(map[string]interface{})
		require.True(t, ok)
		assert.False(t, item["success"].(bool))
	}

	req = httptest.NewRequest(http.MethodPut, "/api/v1/plugins/disable", bytes.NewReader([]byte("{not json")))
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnableManyEmptyNamesReturns400(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string][]string{"names": {}})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/plugins/enable", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnableDisableUnknownPluginReturns404(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/plugins/nope/enable", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/api/v1/plugins/nope/disable", nil)
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
