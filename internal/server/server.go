package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"grainmesh/internal/analysis"
	"grainmesh/internal/command"
	"grainmesh/internal/dispatch"
	"grainmesh/internal/grain"
	"grainmesh/internal/obs"
	"grainmesh/internal/ops"
	"grainmesh/internal/stream"
	"grainmesh/internal/subscription"
)

const (
	shutdownTimeout = 5 * time.Second
	defaultLookback = time.Hour

	handlerCommandCompleted = "ws-command-completed"
)

// FeedState reports the real-time feed connection.
type FeedState interface {
	IsConnected() bool
}

type Deps struct {
	Producer        *stream.Producer
	Runtime         *grain.Runtime
	Feed            FeedState
	Metrics         *obs.Metrics
	Instrumentation *dispatch.Instrumentation
}

// Server exposes the ops API and the websocket bridge.
type Server struct {
	cfg      ops.ServerConfig
	deps     Deps
	engine   *gin.Engine
	hub      *Hub
	sessions *subscription.Manager
	commands command.Client
	upgrader websocket.Upgrader

	statusSub *stream.Subscription
}

func New(cfg ops.ServerConfig, deps Deps) (*Server, error) {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = defaultClientBuffer
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		engine:   gin.New(),
		hub:      newHub(deps.Metrics),
		commands: command.Get(deps.Producer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	registry := subscription.NewRegistry()
	if err := subscription.Add(registry, handlerCommandCompleted, s.onCommandCompleted); err != nil {
		return nil, errors.Wrap(err, "register session handler")
	}
	s.sessions = subscription.NewManager(registry, deps.Producer.Provider(), deps.Instrumentation)

	sub, err := deps.Producer.Provider().SubscribeBroadcast(
		dispatch.BroadcastHandler(deps.Instrumentation, "ws-hub", s.onStatusChanged))
	if err != nil {
		return nil, errors.Wrap(err, "subscribe status broadcast")
	}
	s.statusSub = sub

	s.engine.Use(gin.Recovery(), accessLog())
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.getHealth)
	api.GET("/metrics", s.getMetrics)
	api.GET("/pairs", s.getPairs)
	api.GET("/analysis", s.getRunningAnalysis)
	api.POST("/analysis", s.startAnalysis)
	api.DELETE("/analysis/:pairKey", s.stopAnalysis)
	api.GET("/analysis/:pairKey/details", s.getAnalysisDetails)

	s.engine.GET("/ws", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Sessions returns the per-session subscription manager.
func (s *Server) Sessions() *subscription.Manager {
	return s.sessions
}

// Run serves until ctx is done, then shuts the listener and the hub down.
func (s *Server) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(context.WithoutCancel(ctx))
	go s.hub.run(hubCtx)
	defer func() {
		stopHub()
		<-s.hub.done
		s.statusSub.Unsubscribe()
	}()

	srv := &http.Server{Addr: s.cfg.Listen, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logs.Infof("ops server listening, addr: %s", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "serve").With("addr", s.cfg.Listen)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown server")
	}
	logs.Info("ops server stopped")
	return nil
}

func (s *Server) onStatusChanged(_ context.Context, env stream.Envelope[analysis.StatusChanged]) error {
	s.hub.deliver(uuid.Nil, Message{Type: TypeStatusChanged, Data: env.Message})
	return nil
}

func (s *Server) onCommandCompleted(_ context.Context, env stream.Envelope[analysis.CommandCompleted]) error {
	s.hub.deliver(env.OwnerID, Message{Type: TypeCommandCompleted, Data: env.Message})
	return nil
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logs.Debugf("http request, method: %s, path: %s, status: %d, elapsed: %s",
			c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}
