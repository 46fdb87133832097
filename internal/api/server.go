package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/heimdex/heimdex-ingest/internal/catalog"
	"github.com/heimdex/heimdex-ingest/internal/inference"
	"github.com/heimdex/heimdex-ingest/internal/objectstore"
	"github.com/heimdex/heimdex-ingest/internal/uploads"
)

// UploadService is the session side of the upload API.
type UploadService interface {
	Initiate(ctx context.Context, req uploads.InitiateRequest, ownerID string) (*uploads.InitiateResult, error)
	ReportChunkStatus(ctx context.Context, sessionID string, index int, state string, throughputBps float64, ownerID string) (*uploads.ProgressResult, error)
	Resume(ctx context.Context, sessionID, ownerID string) (*uploads.ResumePlan, error)
	Get(ctx context.Context, sessionID, ownerID string) (*catalog.UploadSession, error)
}

type Finalizer interface {
	Finalize(ctx context.Context, sessionID, ownerID string) (*uploads.FinalizeResult, error)
}

type AnalysisStarter interface {
	Start(ctx context.Context, videoID, ownerID string) (*catalog.Job, error)
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Host      string
	Port      int
	Catalog   catalog.CatalogService
	Uploads   UploadService
	Finalizer Finalizer
	Analysis  AnalysisStarter
	Auth      *TokenAuthority
	Readiness *inference.CachedReadiness
	// Store, if set, is used to presign thumbnail URLs.
	Store objectstore.Store
	// Objects, if set, is mounted at /objects to serve presigned URLs of
	// the in-memory store.
	Objects   http.Handler
	Logger    *slog.Logger
	StartTime time.Time
	Version   string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			// Chunk PUTs through /objects can be slow; no write deadline.
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
