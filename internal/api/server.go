package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/internal/engine"
	"grid-maker-go/risk"
)

// requestTimeout 等待事件循环响应的上限。
const requestTimeout = 5 * time.Second

// Controller 引擎对外暴露的控制面；*engine.Engine 实现该接口。
type Controller interface {
	Status(ctx context.Context) (engine.Status, error)
	ResetRisk(ctx context.Context, rebase bool) (risk.State, error)
	EmergencyStop(ctx context.Context, note string) error
	ClearSnapshot(ctx context.Context) error
}

// ErrorResponse 错误响应体。
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Server 运维 HTTP 接口：健康检查、状态查询、风控复位与 Prometheus 指标。
type Server struct {
	ctrl    Controller
	metrics http.Handler
	router  *mux.Router
	log     *logger.Logger
}

// NewServer metrics 为 nil 时不注册 /metrics。
func NewServer(ctrl Controller, metrics http.Handler, log *logger.Logger) *Server {
	s := &Server{
		ctrl:    ctrl,
		metrics: metrics,
		router:  mux.NewRouter(),
		log:     logger.OrNop(log).Named("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.logRequests)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/risk/reset", s.handleRiskReset).Methods(http.MethodPost)
	api.HandleFunc("/risk/stop", s.handleRiskStop).Methods(http.MethodPost)
	api.HandleFunc("/snapshot", s.handleClearSnapshot).Methods(http.MethodDelete)
}

// Handler 返回路由。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	st, err := s.ctrl.Status(ctx)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	code := http.StatusOK
	if st.Risk.EmergencyStop {
		// 进程存活但需要人工介入
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"status":      st.State.String(),
		"halted":      st.Halted,
		"halt_reason": st.HaltReason,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	st, err := s.ctrl.Status(ctx)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleRiskReset(w http.ResponseWriter, r *http.Request) {
	rebase := false
	if v := r.URL.Query().Get("rebase"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid rebase", err.Error())
			return
		}
		rebase = b
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	st, err := s.ctrl.ResetRisk(ctx, rebase)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.log.Info("risk reset via api", zap.Bool("rebase", rebase), zap.String("remote", r.RemoteAddr))
	respondJSON(w, http.StatusOK, st)
}

type stopRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleRiskStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON", err.Error())
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.ctrl.EmergencyStop(ctx, req.Note); err != nil {
		s.respondErr(w, err)
		return
	}
	s.log.Warn("emergency stop via api", zap.String("note", req.Note), zap.String("remote", r.RemoteAddr))
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleClearSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.ctrl.ClearSnapshot(ctx); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotRunning):
		respondError(w, http.StatusServiceUnavailable, "engine not running", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(w, http.StatusGatewayTimeout, "engine busy", err.Error())
	default:
		s.log.Warn("api request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("latency", time.Since(start)))
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{Error: error, Message: message})
}
