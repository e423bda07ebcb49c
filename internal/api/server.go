package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentMesh/internal/dispatch"
	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/payment"
	"AgentMesh/internal/reputation"
	"AgentMesh/internal/specialist"
	"AgentMesh/internal/task"
)

// Server 暴露调度系统的 REST 与 WebSocket 接口。
type Server struct {
	addr       string
	dispatcher *dispatch.Service
	registry   *specialist.Registry
	gateway    *payment.Gateway
	ledger     *reputation.Ledger
	hub        *Hub
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, dispatcher *dispatch.Service, registry *specialist.Registry,
	gateway *payment.Gateway, ledger *reputation.Ledger) *Server {
	return &Server{
		addr:       addr,
		dispatcher: dispatcher,
		registry:   registry,
		gateway:    gateway,
		ledger:     ledger,
		hub:        NewHub(dispatcher),
	}
}

// Handler 返回完整的路由表，测试可直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	mux.HandleFunc("/api/v1/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/votes", s.handleVotes)
	mux.HandleFunc("/api/v1/specialists", s.handleSpecialists)
	mux.HandleFunc("/api/v1/specialists/", s.handleSpecialistInvoke)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.hub.Handle)
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleDispatch(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		respondError(w, http.StatusMethodNotAllowed, "仅支持 GET/POST")
	}
}

// dispatchRequest 是 POST /api/v1/tasks 的请求体。
type dispatchRequest struct {
	Request     string         `json:"request"`
	RequesterID string         `json:"requester_id"`
	Specialist  string         `json:"specialist,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
	DryRun      bool           `json:"dry_run,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	receipt, err := s.dispatcher.Dispatch(r.Context(), dispatch.Request{
		Request:     req.Request,
		RequesterID: req.RequesterID,
		Specialist:  req.Specialist,
		CallbackURL: req.CallbackURL,
		DryRun:      req.DryRun,
		Metadata:    req.Metadata,
	})
	if err != nil {
		respondCodedError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := make([]task.ListOption, 0, 3)
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithLimit(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]task.Status, 0, 2)
		for _, item := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.TrimSpace(item)))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if requester := requesterOf(r); requester != "" {
		opts = append(opts, task.WithRequester(requester))
	}

	results, err := s.dispatcher.List(r.Context(), opts...)
	if err != nil {
		respondCodedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": results})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	if id == "" || strings.Contains(id, "/") {
		respondError(w, http.StatusNotFound, "任务不存在")
		return
	}
	t, err := s.dispatcher.Get(r.Context(), id)
	if err != nil {
		respondCodedError(w, err)
		return
	}
	// 带归属的任务只对提交方可见。
	if t.RequesterID != "" && t.RequesterID != requesterOf(r) {
		respondError(w, http.StatusForbidden, "无权查看该任务")
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	opts := make([]task.ListOption, 0, 1)
	if requester := requesterOf(r); requester != "" {
		opts = append(opts, task.WithRequester(requester))
	}
	stats, err := s.dispatcher.Stats(r.Context(), opts...)
	if err != nil {
		respondCodedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// voteRequest 是 POST /api/v1/votes 的请求体。
type voteRequest struct {
	VoterID    string `json:"voter_id"`
	TaskID     string `json:"task_id"`
	Specialist string `json:"specialist,omitempty"`
	Direction  string `json:"direction"`
}

func (s *Server) handleVotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "仅支持 POST")
		return
	}
	if s.ledger == nil {
		respondError(w, http.StatusServiceUnavailable, "信誉账本未启用")
		return
	}
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}

	// 投票挂在具体任务上，未显式指定专家时从任务记录中解析。
	t, err := s.dispatcher.Get(r.Context(), req.TaskID)
	if err != nil {
		respondCodedError(w, err)
		return
	}
	specialistID := req.Specialist
	if specialistID == "" {
		specialistID = t.Specialist
	}
	if _, err := s.ledger.SubmitVote(req.VoterID, req.TaskID, specialistID, reputation.Direction(req.Direction)); err != nil {
		respondCodedError(w, err)
		return
	}
	summary := s.ledger.Summary(specialistID)
	respondJSON(w, http.StatusOK, map[string]any{
		"accepted":     true,
		"message":      "投票已记录",
		"specialist":   specialistID,
		"success_rate": s.ledger.SuccessRate(specialistID),
		"upvotes":      summary.Upvotes,
		"downvotes":    summary.Downvotes,
	})
}

// specialistView 是专家列表接口的响应条目。
type specialistView struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Fee         float64 `json:"fee"`
	SuccessRate int     `json:"success_rate"`
}

func (s *Server) handleSpecialists(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	views := make([]specialistView, 0)
	for _, id := range s.registry.IDs() {
		worker, err := s.registry.Get(id)
		if err != nil {
			continue
		}
		view := specialistView{
			ID:          id,
			Description: worker.Description(),
			Fee:         worker.Fee(),
			SuccessRate: 100,
		}
		if s.ledger != nil {
			view.SuccessRate = s.ledger.SuccessRate(id)
		}
		views = append(views, view)
	}
	respondJSON(w, http.StatusOK, map[string]any{"specialists": views})
}

// invokeRequest 是直接调用专家的请求体。
type invokeRequest struct {
	Request string `json:"request"`
}

// handleSpecialistInvoke 处理 POST /api/v1/specialists/{id}/invoke。
// 付费专家要求请求携带 X-Payment 签名，缺失时返回 402 与付费要求文档。
func (s *Server) handleSpecialistInvoke(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/specialists/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "invoke" {
		respondError(w, http.StatusNotFound, "接口不存在")
		return
	}
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "仅支持 POST")
		return
	}
	specialistID := parts[0]
	worker, err := s.registry.Get(specialistID)
	if err != nil {
		respondCodedError(w, err)
		return
	}

	// 先校验请求体再消费签名，避免坏请求烧掉一个未使用的签名。
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}

	if s.gateway != nil {
		required, verifyErr := s.gateway.VerifyInbound(specialistID, r.Header.Get("X-Payment"))
		if verifyErr != nil {
			respondCodedError(w, verifyErr)
			return
		}
		if required != nil {
			if encoded, encodeErr := required.Encode(); encodeErr == nil {
				w.Header().Set("X-Payment-Requirements", encoded)
			}
			respondJSON(w, http.StatusPaymentRequired, required)
			return
		}
	}

	result, err := worker.Handle(r.Context(), req.Request)
	if err != nil {
		respondCodedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requesterOf 提取请求方标识，优先读请求头。
func requesterOf(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("X-Requester-ID")); header != "" {
		return header
	}
	return strings.TrimSpace(r.URL.Query().Get("requester_id"))
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondCodedError 将统一错误码映射为 HTTP 状态。
func respondCodedError(w http.ResponseWriter, err error) {
	respondJSON(w, httpStatusOf(err), map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	})
}

func httpStatusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeForbidden:
		return http.StatusForbidden
	case xerrors.CodeConflict, task.CodeTaskTerminal, task.CodeTaskRegression:
		return http.StatusConflict
	case xerrors.CodePaymentRequired, xerrors.CodePaymentReplay, xerrors.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			respondError(w, http.StatusServiceUnavailable, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
