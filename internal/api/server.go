package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"agent-matrix/internal/auth"
	"agent-matrix/internal/observability/metrics"
	"agent-matrix/internal/task"
	"agent-matrix/pkg/logger"
)

// CommandService 是 API 依赖的任务服务能力。
type CommandService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
	WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*task.Task, error)
}

// ConstraintAdmin 是约束管理接口依赖的网关能力。
type ConstraintAdmin interface {
	Snapshot() []string
	Add(name string) bool
	Remove(name string) bool
	Replace(names []string)
}

// Server 负责暴露命令提交、查询与约束管理的 REST 接口。
type Server struct {
	addr            string
	commands        CommandService
	constraints     ConstraintAdmin
	auth            *auth.Service
	metrics         *metrics.Metrics
	waitTimeout     time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithAuth 为业务接口启用令牌认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithMetrics 记录请求指标并暴露 /metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithWaitTimeout 设置同步等待任务完成的最长时间。
func WithWaitTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.waitTimeout = timeout
		}
	}
}

// WithTimeouts 设置 HTTP 读写与优雅关闭超时。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, commands CommandService, constraints ConstraintAdmin, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		commands:        commands,
		constraints:     constraints,
		waitTimeout:     60 * time.Second,
		readTimeout:     15 * time.Second,
		writeTimeout:    90 * time.Second,
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID, chimw.Recoverer, s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	read := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermCommandsRead}},
	})
	submit := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermCommandsSubmit}},
		AuditEvent:          "command_submit",
	})
	admin := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet: {auth.PermCommandsRead},
			"*":            {auth.PermConstraintsWrite},
		},
		AuditEvent: "constraint_admin",
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/commands", func(cmds chi.Router) {
			cmds.With(submit).Post("/", s.handleSubmit)
			cmds.With(read).Get("/", s.handleList)
			cmds.With(read).Get("/stats", s.handleStats)
			cmds.With(read).Get("/{id}", s.handleDetail)
		})
		api.Route("/constraints", func(cons chi.Router) {
			cons.Use(admin)
			cons.Get("/", s.handleListConstraints)
			cons.Put("/", s.handleReplaceConstraints)
			cons.Put("/{name}", s.handleAddConstraint)
			cons.Delete("/{name}", s.handleRemoveConstraint)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

// observe 按路由模板记录请求指标。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTPRequest(pattern, r.Method, status, time.Since(start))
	})
}

// requestID 为每个请求分配追踪用的 ID。
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
