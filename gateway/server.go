// Package gateway exposes the local REST surface of the wopan
// gateway: directory browsing, direct download URL resolution, path
// uploads, deletion, and the token pool admin endpoints.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/pflag"
	"github.com/woclouds/wopan/pan"
)

// Middleware function signature required by chi.Router.Use()
type Middleware func(http.Handler) http.Handler

// Config contains the HTTP server options
type Config struct {
	ListenAddr         string        // host:port to bind to
	BaseURL            string        // prefix to strip from URLs
	ServerReadTimeout  time.Duration // total time to read the request
	ServerWriteTimeout time.Duration // total time to write the response
	MaxHeaderBytes     int           // maximum size of request header
	AllowOrigin        string        // CORS Allow-Origin value, "" disables
}

// AddFlagsPrefix adds flags for the Config with the given prefix
func (cfg *Config) AddFlagsPrefix(flagSet *pflag.FlagSet, prefix string) {
	flagSet.StringVar(&cfg.ListenAddr, prefix+"addr", cfg.ListenAddr, "IPaddress:Port to bind server to")
	flagSet.StringVar(&cfg.BaseURL, prefix+"baseurl", cfg.BaseURL, "Prefix for URLs - leave blank for root")
	flagSet.DurationVar(&cfg.ServerReadTimeout, prefix+"server-read-timeout", cfg.ServerReadTimeout, "Timeout for server reading data")
	flagSet.DurationVar(&cfg.ServerWriteTimeout, prefix+"server-write-timeout", cfg.ServerWriteTimeout, "Timeout for server writing data")
	flagSet.IntVar(&cfg.MaxHeaderBytes, prefix+"max-header-bytes", cfg.MaxHeaderBytes, "Maximum size of request header")
	flagSet.StringVar(&cfg.AllowOrigin, prefix+"allow-origin", cfg.AllowOrigin, "Origin which cross-domain request (CORS) can be executed from")
}

// DefaultCfg is the default Config for the gateway server
func DefaultCfg() Config {
	return Config{
		ListenAddr:         "0.0.0.0:8000",
		ServerReadTimeout:  1 * time.Hour,
		ServerWriteTimeout: 1 * time.Hour,
		MaxHeaderBytes:     4096,
		AllowOrigin:        "*",
	}
}

// Server is the gateway HTTP server
type Server struct {
	wg         sync.WaitGroup
	mux        chi.Router
	cfg        Config
	listener   net.Listener
	httpServer *http.Server
	url        string
}

// Option allows customizing the server
type Option func(*Server)

// WithConfig option applies the Config to the server, overriding defaults
func WithConfig(cfg Config) Option {
	return func(s *Server) {
		s.cfg = cfg
	}
}

// NewServer instantiates a new http server using the options passed in
func NewServer(ctx context.Context, options ...Option) (*Server, error) {
	s := &Server{
		mux: chi.NewRouter(),
		cfg: DefaultCfg(),
	}
	for _, opt := range options {
		opt(s)
	}

	s.mux.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeFail(w, http.StatusMethodNotAllowed, http.StatusMethodNotAllowed, "method not allowed", "")
	})
	s.mux.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeFail(w, http.StatusNotFound, legacyFailCode, "not found", "")
	})

	// Ignore passing "/" for BaseURL
	s.cfg.BaseURL = strings.Trim(s.cfg.BaseURL, "/")
	if s.cfg.BaseURL != "" {
		s.cfg.BaseURL = "/" + s.cfg.BaseURL
		s.mux.Use(MiddlewareStripPrefix(s.cfg.BaseURL))
	}
	s.mux.Use(MiddlewareCORS(s.cfg.AllowOrigin))

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	s.listener = listener
	s.url = fmt.Sprintf("http://%s%s/", listener.Addr().String(), s.cfg.BaseURL)
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadTimeout:       s.cfg.ServerReadTimeout,
		WriteTimeout:      s.cfg.ServerWriteTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
		ReadHeaderTimeout: 10 * time.Second, // time to send the headers
		IdleTimeout:       60 * time.Second, // time to keep idle connections open
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return s, nil
}

// Serve starts the HTTP server in a goroutine
func (s *Server) Serve() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		pan.Logf(nil, "Serving on %s", s.url)
		err := s.httpServer.Serve(s.listener)
		if err != nil && err != http.ErrServerClosed {
			pan.Errorf(nil, "%s: unexpected error: %v", s.listener.Addr(), err)
		}
	}()
}

// Wait blocks while the server is serving requests
func (s *Server) Wait() {
	s.wg.Wait()
}

// Router returns the server base router
func (s *Server) Router() chi.Router {
	return s.mux
}

// URL returns the serving address
func (s *Server) URL() string {
	return s.url
}

// Time to wait to Shutdown an HTTP server
const gracefulShutdownTime = 10 * time.Second

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	expiry := time.Now().Add(gracefulShutdownTime)
	ctx, cancel := context.WithDeadline(context.Background(), expiry)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		pan.Logf(nil, "error shutting down server: %s", err)
	}
	s.wg.Wait()
	return nil
}
