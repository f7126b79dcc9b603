package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	s, err := NewServer(context.Background(), WithConfig(cfg))
	require.NoError(t, err)
	s.Serve()
	t.Cleanup(func() {
		require.NoError(t, s.Shutdown())
	})
	return s
}

func TestServerServesAndShutsDown(t *testing.T) {
	cfg := DefaultCfg()
	cfg.ListenAddr = "127.0.0.1:0"
	s := startTestServer(t, cfg)

	s.Router().Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, map[string]interface{}{"pong": true})
	})

	resp, err := http.Get(s.URL() + "ping")
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["pong"])
}

func TestServerBaseURLStripped(t *testing.T) {
	cfg := DefaultCfg()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.BaseURL = "/wopan"
	s := startTestServer(t, cfg)

	s.Router().Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, nil)
	})

	// the prefixed URL works
	resp, err := http.Get(s.URL() + "ping")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, s.URL(), "/wopan/")
}

func TestServerNotFoundShape(t *testing.T) {
	cfg := DefaultCfg()
	cfg.ListenAddr = "127.0.0.1:0"
	s := startTestServer(t, cfg)

	resp, err := http.Get(s.URL() + "no/such/route")
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, float64(legacyFailCode), body["code"])
}

func TestServerCORSPreflight(t *testing.T) {
	cfg := DefaultCfg()
	cfg.ListenAddr = "127.0.0.1:0"
	s := startTestServer(t, cfg)

	// chi only builds the middleware chain once a route is registered,
	// mirroring real deployments where Register always adds routes
	s.Router().Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, nil)
	})

	req, err := http.NewRequest("OPTIONS", s.URL(), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Methods"))
}
