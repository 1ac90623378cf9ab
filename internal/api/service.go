// Package api serves the registry's read-only HTTP surface: node and
// network queries against committed state, recent diagnostics, backups,
// rendered documentation and Prometheus metrics. State changes go through
// signed transactions, never through this API.
package api

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dvpn.mini/dvr/internal/docs"
	"dvpn.mini/dvr/internal/logger"
	"dvpn.mini/dvr/internal/types"
)

// Querier reads committed registry state.
type Querier interface {
	// FindNode returns registry.ErrNotFound for unknown ids.
	FindNode(ctx context.Context, nodeID uint64) (types.Node, error)
	NetworkStats(ctx context.Context) (types.NetworkStats, error)
	Status(ctx context.Context) (types.LedgerStatus, error)
	Height() int64
}

// BackupStore creates, lists and exports database snapshots.
type BackupStore interface {
	BackupCurrent(maxBackups int) (string, error)
	Backups() ([]string, error)
	ExportSnapshot() ([]byte, error)
}

// Service handles API requests
type Service struct {
	registry   Querier
	store      BackupStore
	logger     *logger.Logger
	docs       *docs.Service
	gatherer   prometheus.Gatherer
	maxBackups int
}

// Options wires a Service. Docs and Gatherer are optional.
type Options struct {
	Registry   Querier
	Store      BackupStore
	Logger     *logger.Logger
	Docs       *docs.Service
	Gatherer   prometheus.Gatherer
	MaxBackups int
}

// NewService creates a new API service
func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logger.New(100, nil)
	}
	return &Service{
		registry:   opts.Registry,
		store:      opts.Store,
		logger:     opts.Logger,
		docs:       opts.Docs,
		gatherer:   opts.Gatherer,
		maxBackups: opts.MaxBackups,
	}
}

// Register mounts every route on e.
func (s *Service) Register(e *echo.Echo) {
	api := e.Group("/api")
	api.GET("/health", s.HandleHealth)
	api.GET("/version", s.HandleVersion)
	api.GET("/nodes/:id", s.HandleNode)
	api.GET("/stats", s.HandleStats)
	api.GET("/logs", s.HandleLogs)
	api.GET("/events", s.HandleEvents)

	// snapshots hold the whole database; browsers from other origins are refused
	backups := api.Group("/backups", SameOriginMiddleware())
	backups.GET("", s.HandleBackupList)
	backups.POST("", s.HandleBackupInternal)
	backups.GET("/download", s.HandleBackupDownload)

	api.GET("/docs", s.HandleDocsList)
	api.GET("/docs/:name", s.HandleDoc)

	if s.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// NewServer returns an echo instance with middleware and routes installed.
func (s *Service) NewServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(RecoverMiddleware(s.logger))
	e.Use(LoggerMiddleware(s.logger))
	e.Use(CORSMiddleware())
	s.Register(e)
	return e
}

// writeError writes a JSON error response
func writeError(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}

