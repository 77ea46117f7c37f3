package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/watchdog/internal/logtail"
	"github.com/loykin/watchdog/internal/server"
	"github.com/loykin/watchdog/internal/supervisor"
	wtls "github.com/loykin/watchdog/internal/tls"
)

type source struct {
	st   supervisor.Status
	errs []logtail.ErrorRecord
}

func (s *source) Snapshot() supervisor.Status   { return s.st }
func (s *source) Errors() []logtail.ErrorRecord { return s.errs }

func newTestClient(t *testing.T, src *source) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := httptest.NewServer(server.NewRouter(src, "/api", nil).Handler())
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/api/"})
}

func TestClient_StatusAndErrors(t *testing.T) {
	src := &source{
		st: supervisor.Status{State: supervisor.StateRunning, Name: "bot", PID: 77, RestartCount: 1, MaxRestarts: 5},
		errs: []logtail.ErrorRecord{
			{Line: "ERROR one", Class: logtail.Classification{Kind: logtail.KindGeneric}},
			{Line: "ERROR - RuntimeError: two", Class: logtail.Classification{Kind: logtail.KindCritical, Marker: "RuntimeError"}},
		},
	}
	c := newTestClient(t, src)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", st.State)
	assert.Equal(t, 77, st.PID)
	assert.Equal(t, 1, st.RestartCount)

	errs, err := c.Errors(ctx, 1)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "RuntimeError", errs[0].Class.Marker)

	all, err := c.Errors(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.True(t, c.IsReachable(ctx))
}

func TestClient_HealthFatal(t *testing.T) {
	src := &source{st: supervisor.Status{State: supervisor.StateFatalStop}}
	c := newTestClient(t, src)
	h, err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnhealthy))
	assert.Equal(t, "fatal_stop", h.State)
	assert.False(t, c.IsReachable(context.Background()))
}

func TestClient_Unreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/api"})
	_, err := c.Status(context.Background())
	assert.Error(t, err)
	assert.False(t, c.IsReachable(context.Background()))
}

func TestClient_HTTPSWithCACert(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	tlsCfg, err := wtls.Setup(wtls.Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	src := &source{st: supervisor.Status{State: supervisor.StateRunning, PID: 9}}
	srv, err := server.NewServer("127.0.0.1:0", src, server.ServerOptions{BasePath: "/api", TLS: tlsCfg})
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()
	base := "https://" + srv.Addr + "/api"

	c := New(Config{BaseURL: base, CACert: filepath.Join(dir, wtls.CACertFile)})
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, st.PID)

	_, err = New(Config{BaseURL: base}).Status(context.Background())
	assert.Error(t, err, "self-signed certificate must not verify without the CA")

	_, err = New(Config{BaseURL: base, Insecure: true}).Status(context.Background())
	assert.NoError(t, err)
}

func TestClient_BearerToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	src := &source{st: supervisor.Status{State: supervisor.StateRunning, PID: 3}}
	srv := httptest.NewServer(server.NewRouter(src, "/api", nil).WithToken("tok").Handler())
	t.Cleanup(srv.Close)

	_, err := New(Config{BaseURL: srv.URL + "/api"}).Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication required")

	st, err := New(Config{BaseURL: srv.URL + "/api", Token: "tok"}).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, st.PID)
}
