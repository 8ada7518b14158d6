package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/headline-goat/price-goat/internal/decision"
	"github.com/headline-goat/price-goat/internal/ingest"
	"github.com/headline-goat/price-goat/internal/results"
	"github.com/headline-goat/price-goat/internal/store"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Port int
	// Token guards the admin routes. A random one is generated when empty.
	Token     string
	TokenFile string
}

type Server struct {
	store     store.Store
	resolver  *decision.Resolver
	ingest    *ingest.Ingestor
	results   *results.Engine
	metrics   *metrics
	port      int
	token     string
	tokenFile string
	router    chi.Router
	startTime time.Time
}

func New(s store.Store, res *decision.Resolver, in *ingest.Ingestor, cfg Config) *Server {
	token := cfg.Token
	if token == "" {
		token = generateToken()
	}
	srv := &Server{
		store:     s,
		resolver:  res,
		ingest:    in,
		results:   results.New(s),
		metrics:   newMetrics(),
		port:      cfg.Port,
		token:     token,
		tokenFile: cfg.TokenFile,
		startTime: time.Now(),
	}

	srv.router = srv.routes()
	return srv
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, printMessages bool) error {
	// Write token to file for the token command
	if s.tokenFile != "" {
		if err := os.WriteFile(s.tokenFile, []byte(s.token), 0600); err != nil {
			httpLogger().Warn("failed to write token file", "path", s.tokenFile, "error", err)
		}
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if printMessages {
		fmt.Println()
		fmt.Printf("price-goat running on http://localhost:%d\n", s.port)
		fmt.Printf("Admin token: %s\n", s.token)
		fmt.Println()
		fmt.Println("Press Ctrl+C to stop")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		httpLogger().Info("shutting down", "operation", "http_shutdown")
		return httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func generateToken() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a time-derived token if crypto/rand fails
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
