package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/watchdog/internal/logtail"
	"github.com/loykin/watchdog/internal/supervisor"
)

// Source is the read side of a running supervisor.
type Source interface {
	Snapshot() supervisor.Status
	Errors() []logtail.ErrorRecord
}

// Router provides embeddable read-only HTTP handlers for the supervisor.
// Endpoints:
//
//	GET {basePath}/status   supervisor snapshot
//	GET {basePath}/errors   error history, oldest first; query: limit=N keeps the newest N
//	GET {basePath}/healthz  200 unless the restart ceiling was reached
//	GET /metrics            Prometheus exposition, when a handler is set
//
// basePath may be empty or start with '/'; no trailing slash. With a token
// set, status and errors require "Authorization: Bearer <token>"; healthz
// and metrics stay open for probes and scrapers.
type Router struct {
	src      Source
	basePath string
	metrics  http.Handler
	token    string
}

// NewRouter constructs a new Router with configurable basePath.
// metrics may be nil to leave /metrics unmounted.
func NewRouter(src Source, basePath string, metrics http.Handler) *Router {
	return &Router{src: src, basePath: normalizeBasePath(basePath), metrics: metrics}
}

// WithToken requires a bearer token on the data endpoints.
func (r *Router) WithToken(token string) *Router {
	r.token = token
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	data := group.Group("")
	if r.token != "" {
		data.Use(bearerAuth(r.token))
	}
	data.GET("/status", r.handleStatus)
	data.GET("/errors", r.handleErrors)
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// ServerOptions configures NewServer. Zero values serve plain HTTP at the
// root without /metrics or authentication.
type ServerOptions struct {
	BasePath string
	Metrics  http.Handler
	Token    string
	TLS      *tls.Config
}

// NewServer binds addr and serves a Router for src in the background. The
// returned server's Addr holds the bound address. Callers stop it with
// Shutdown.
func NewServer(addr string, src Source, opts ServerOptions) (*http.Server, error) {
	r := NewRouter(src, opts.BasePath, opts.Metrics).WithToken(opts.Token)
	return serve(addr, r.Handler(), opts.TLS)
}

// NewMetricsServer serves only /metrics on addr.
func NewMetricsServer(addr string, metrics http.Handler) (*http.Server, error) {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics))
	return serve(addr, g, nil)
}

func serve(addr string, h http.Handler, tlsCfg *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server := newHTTPServer(ln.Addr().String(), h)
	if tlsCfg != nil {
		server.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "addr", server.Addr, "error", err)
		}
	}()
	return server, nil
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	OK    bool             `json:"ok"`
	State supervisor.State `json:"state"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Snapshot())
}

func (r *Router) handleErrors(c *gin.Context) {
	n, ok := parseLimit(c.Query("limit"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative integer"})
		return
	}
	errs := r.src.Errors()
	if n > 0 && n < len(errs) {
		errs = errs[len(errs)-n:]
	}
	if errs == nil {
		errs = []logtail.ErrorRecord{}
	}
	writeJSON(c, http.StatusOK, errs)
}

func (r *Router) handleHealthz(c *gin.Context) {
	st := r.src.Snapshot().State
	code := http.StatusOK
	if st == supervisor.StateFatalStop {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, healthResp{OK: code == http.StatusOK, State: st})
}
