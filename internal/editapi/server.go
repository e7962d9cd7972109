// Package editapi exposes the execution graph over HTTP so operators and
// cooperating agents can inspect and reshape a plan while it runs. Every
// mutation goes through the graph's own invariant checks; the API only maps
// them onto routes and status codes.
package editapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/capstan-dev/capstan/internal/graph"
	"github.com/capstan-dev/capstan/internal/store"
	"github.com/capstan-dev/capstan/pkg/models"
)

// Config holds the listen address and timeouts for the edit API server.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         8311,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server serves the graph edit API. It can operate over a live in-memory
// graph shared with a running scheduler, over the persistent plan store, or
// both; a live graph takes precedence for its own plan ID.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	log    zerolog.Logger

	live  *graph.Graph
	store *store.GraphStore
}

// New creates a Server. Either live or st may be nil, not both.
func New(cfg Config, live *graph.Graph, st *store.GraphStore, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		log:    log.With().Str("component", "editapi").Logger(),
		live:   live,
		store:  st,
	}
	s.routes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/plans", s.handleListPlans)

	eg := s.engine.Group("/execution_graph/:planId")
	eg.GET("", s.handleGetGraph)
	eg.GET("/validate", s.handleValidate)
	eg.POST("/add_task", s.handleAddTask)
	eg.PATCH("/edit_task/:taskId", s.handleEditTask)
	eg.POST("/delete_task/:taskId", s.handleDeleteTask)
	eg.POST("/link_tasks", s.handleLink)
	eg.POST("/unlink_tasks", s.handleUnlink)
	eg.GET("/edit_mode", s.handleGetEditMode)
	eg.POST("/toggle_edit_mode", s.handleToggleEditMode)
}

// Start binds the port and serves in the background; it returns once the
// listener is bound.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("edit api bind %s: %w", s.http.Addr, err)
	}
	s.log.Info().Str("addr", s.http.Addr).Msg("edit api listening")
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("edit api server error")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// acquire resolves a plan ID to a graph plus a commit function persisting
// the mutation. For a live graph the commit persists through the store when
// one is attached and is otherwise a no-op.
func (s *Server) acquire(planID string) (*graph.Graph, func() error, error) {
	if s.live != nil && s.live.PlanID() == planID {
		return s.live, func() error { return s.persist(s.live) }, nil
	}
	if s.store == nil {
		return nil, nil, fmt.Errorf("%w: %s", store.ErrPlanNotFound, planID)
	}
	doc, err := s.store.Load(planID)
	if err != nil {
		return nil, nil, err
	}
	g := graph.FromDocument(doc, s.log)
	return g, func() error { return s.persist(g) }, nil
}

func (s *Server) persist(g *graph.Graph) error {
	if s.store == nil {
		return nil
	}
	v, err := s.store.Save(g.Document())
	if err != nil {
		return err
	}
	g.SetVersion(v)
	return nil
}

// respondError maps domain sentinels onto HTTP status codes.
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrPlanNotFound), errors.Is(err, graph.ErrUnknownNode):
		status = http.StatusNotFound
	case errors.Is(err, graph.ErrCycleDetected),
		errors.Is(err, graph.ErrDuplicateNode),
		errors.Is(err, graph.ErrNodeCompleted),
		errors.Is(err, graph.ErrOutputImmutable),
		errors.Is(err, graph.ErrTerminalState),
		errors.Is(err, store.ErrStaleVersion):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// graphView is the read-model returned by GET endpoints.
type graphView struct {
	PlanID        string            `json:"plan_id"`
	OverallStatus models.PlanStatus `json:"overall_status"`
	RootIDs       []string          `json:"root_ids"`
	Nodes         []*models.Node    `json:"nodes"`
	EditMode      models.EditMode   `json:"edit_mode"`
	Version       int64             `json:"version"`
}

func viewOf(g *graph.Graph) graphView {
	return graphView{
		PlanID:        g.PlanID(),
		OverallStatus: g.Status(),
		RootIDs:       g.RootIDs(),
		Nodes:         g.Nodes(),
		EditMode:      g.EditMode(),
		Version:       g.Version(),
	}
}
