package rpc

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"biosign/go-backend/internal/app"
	"biosign/go-backend/internal/metrics"
	"biosign/go-backend/internal/platform/ratelimiter"
	"biosign/go-backend/internal/securestore"
)

const (
	DefaultRPCAddr = "127.0.0.1:8787"

	rpcTokenHeader     = "X-Biosign-RPC-Token"
	rpcRequestIDHeader = "X-Biosign-Request-ID"
	autoTokenValue     = "auto"
)

var ErrTokenRequired = errors.New("rpc token is required unless rpc.requireToken is false")

type Options struct {
	Addr            string
	Token           string
	TokenFile       string
	RequireToken    bool
	RateLimitRPS    float64
	RateLimitBurst  int
	AllowNullOrigin bool
	Metrics         *metrics.Recorder
	Logger          *slog.Logger
}

type Server struct {
	httpServer  *http.Server
	service     app.CoreAPI
	rpcToken    string
	requireRPC  bool
	allowNull   bool
	rpcLimiter  *ratelimiter.MapLimiter
	idempotency *rpcIdempotencyCache
	metrics     *metrics.Recorder
	logger      *slog.Logger
}

// NewServer wires the JSON-RPC transport around svc. A token of "auto" is
// replaced by a generated one, written to opts.TokenFile when set.
func NewServer(svc app.CoreAPI, opts Options) (*Server, error) {
	token, err := resolveRPCToken(opts.Token, opts.TokenFile)
	if err != nil {
		return nil, err
	}
	if opts.RequireToken && token == "" {
		return nil, ErrTokenRequired
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = DefaultRPCAddr
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		service:     svc,
		rpcToken:    token,
		requireRPC:  opts.RequireToken,
		allowNull:   opts.AllowNullOrigin,
		rpcLimiter:  ratelimiter.New(opts.RateLimitRPS, opts.RateLimitBurst, 10*time.Minute),
		idempotency: newRPCIdempotencyCache(),
		metrics:     opts.Metrics,
		logger:      logger,
	}
	if s.rpcToken == "" {
		logger.Warn("rpc token is not set; RPC auth disabled")
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return s, nil
}

// Token returns the effective RPC token, including a generated one.
func (s *Server) Token() string {
	return s.rpcToken
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx ends, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	select {
	case <-ctx.Done():
		_ = ln.Close()
		return nil
	default:
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()
	s.logger.Info("rpc server listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.handleHealth(w, r)
}

func (s *Server) HandleRPC(w http.ResponseWriter, r *http.Request) {
	s.handleRPC(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRPC(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !s.isAllowedOrigin(origin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+rpcTokenHeader+", "+rpcRequestIDHeader+", "+rpcIdempotencyHeader)
	return true
}

func (s *Server) authorizeRPC(w http.ResponseWriter, r *http.Request) bool {
	if s.rpcToken == "" && !s.requireRPC {
		return true
	}
	token := s.extractRPCToken(r)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.rpcToken)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) extractRPCToken(r *http.Request) string {
	token := strings.TrimSpace(r.Header.Get(rpcTokenHeader))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

func (s *Server) isAllowedOrigin(raw string) bool {
	if raw == "null" {
		return s.allowNull
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.TrimSpace(u.Hostname())
	if host == "" {
		return false
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func resolveRPCToken(configured, tokenFile string) (string, error) {
	token := strings.TrimSpace(configured)
	if !strings.EqualFold(token, autoTokenValue) {
		return token, nil
	}
	generated, err := generateRPCToken()
	if err != nil {
		return "", err
	}
	if err := persistRPCToken(tokenFile, generated); err != nil {
		return "", err
	}
	return generated, nil
}

func generateRPCToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "rpc_" + hex.EncodeToString(buf), nil
}

func persistRPCToken(pathValue, token string) error {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return nil
	}
	return securestore.WriteFileAtomic(pathValue, []byte(token))
}
