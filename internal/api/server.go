package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ReputeFlow-Escrow/internal/auth"
	"ReputeFlow-Escrow/internal/dispute"
	xerrors "ReputeFlow-Escrow/internal/errors"
	"ReputeFlow-Escrow/internal/escrow"
	"ReputeFlow-Escrow/internal/observability/metrics"
	"ReputeFlow-Escrow/internal/proposal"
)

// Server 负责暴露 REST 接口，驱动托管项目的完整生命周期。
type Server struct {
	addr      string
	escrow    *escrow.Service
	proposals *proposal.Ledger
	disputes  *dispute.Coordinator
	auth      *auth.Service
}

// NewServer 构造 API 服务实例。authSvc 可为 nil，表示不启用认证。
func NewServer(addr string, esc *escrow.Service, proposals *proposal.Ledger, disputes *dispute.Coordinator, authSvc *auth.Service) *Server {
	return &Server{addr: addr, escrow: esc, proposals: proposals, disputes: disputes, auth: authSvc}
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

// Handler 返回完整路由，便于测试直接挂载。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/v1/", s.protect(s.apiMux()))
	mux.HandleFunc("POST /api/v1/auth/token", s.instrument("issue_token", s.handleToken))
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// apiMux 注册业务路由。认证中间件包裹在外层。
func (s *Server) apiMux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/projects", s.instrument("create_project", s.handleCreateProject))
	mux.HandleFunc("GET /api/v1/projects", s.instrument("list_projects", s.handleListProjects))
	mux.HandleFunc("GET /api/v1/projects/stats", s.instrument("project_stats", s.handleProjectStats))
	mux.HandleFunc("GET /api/v1/projects/{id}", s.instrument("get_project", s.handleGetProject))
	mux.HandleFunc("POST /api/v1/projects/{id}/fund", s.instrument("fund_project", s.handleFundProject))
	mux.HandleFunc("POST /api/v1/projects/{id}/cancel", s.instrument("cancel_project", s.handleCancelProject))
	mux.HandleFunc("GET /api/v1/projects/{id}/disputes", s.instrument("project_disputes", s.handleProjectDisputes))
	mux.HandleFunc("POST /api/v1/projects/{id}/milestones/{idx}/submit", s.instrument("submit_milestone", s.handleSubmitMilestone))
	mux.HandleFunc("POST /api/v1/projects/{id}/milestones/{idx}/approve", s.instrument("approve_milestone", s.handleApproveMilestone))
	mux.HandleFunc("POST /api/v1/projects/{id}/milestones/{idx}/release", s.instrument("release_milestone", s.handleReleaseMilestone))
	mux.HandleFunc("POST /api/v1/projects/{id}/milestones/{idx}/dispute", s.instrument("open_dispute", s.handleOpenDispute))

	mux.HandleFunc("POST /api/v1/jobs/{id}/proposals", s.instrument("submit_proposal", s.handleSubmitProposal))
	mux.HandleFunc("GET /api/v1/jobs/{id}/proposals", s.instrument("list_proposals", s.handleListProposals))
	mux.HandleFunc("POST /api/v1/proposals/{id}/accept", s.instrument("accept_proposal", s.handleAcceptProposal))
	mux.HandleFunc("POST /api/v1/proposals/{id}/withdraw", s.instrument("withdraw_proposal", s.handleWithdrawProposal))

	mux.HandleFunc("GET /api/v1/disputes/{id}", s.instrument("get_dispute", s.handleGetDispute))
	mux.HandleFunc("POST /api/v1/disputes/{id}/votes", s.instrument("vote_dispute", s.handleVote))
	mux.HandleFunc("POST /api/v1/disputes/{id}/resolve", s.instrument("manual_resolve", s.handleManualResolve))

	return mux
}

// protect 按需包裹认证中间件，并按路由解析所需权限。
func (s *Server) protect(next http.Handler) http.Handler {
	if !s.auth.Enabled() {
		return next
	}
	return s.auth.Middleware(requiredPermissions)(next)
}

// requiredPermissions 将路由映射到权限。读接口只要求有效令牌。
func requiredPermissions(r *http.Request) []string {
	if r.Method == http.MethodGet {
		return []string{auth.PermProjectsRead}
	}
	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/proposals"), strings.HasSuffix(path, "/withdraw"):
		return []string{auth.PermProposalsWrite}
	case strings.HasSuffix(path, "/votes"):
		return []string{auth.PermDisputesVote}
	case strings.HasSuffix(path, "/resolve"):
		return []string{auth.PermDisputesResolve}
	default:
		return []string{auth.PermProjectsWrite}
	}
}

// handleToken 签发访问令牌。
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Enabled() {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"code":    string(xerrors.CodeUnimplemented),
			"message": "认证未启用",
		})
		return
	}
	var req auth.TokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrUnsupportedGrant) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{
			"code":    string(xerrors.CodeInvalidArgument),
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// actor 返回请求的操作者身份。请求体里的 actor_id 优先；缺省时退回到
// 令牌主体的用户名。
func actor(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return auth.ActorFromContext(r.Context())
}

// statusRecorder 记录响应状态码，供指标采集。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string             `json:"actor_id"`
		Spec    escrow.ProjectSpec `json:"spec"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	project, err := s.escrow.Apply(r.Context(), escrow.Command{
		Kind:    escrow.CmdCreateProject,
		ActorID: actor(r, req.ActorID),
		Spec:    &req.Spec,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	opts := escrow.ListOptions{
		ClientID:     r.URL.Query().Get("client_id"),
		FreelancerID: r.URL.Query().Get("freelancer_id"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts.Limit = parsed
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			opts.Offset = parsed
		}
	}
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				opts.Statuses = append(opts.Statuses, escrow.Status(part))
			}
		}
	}
	projects, err := s.escrow.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleProjectStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.escrow.Stats(r.Context(), escrow.ListOptions{
		ClientID:     r.URL.Query().Get("client_id"),
		FreelancerID: r.URL.Query().Get("freelancer_id"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	project, err := s.escrow.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleFundProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		ActorID string `json:"actor_id"`
		Amount  int64  `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	project, err := s.escrow.Apply(r.Context(), escrow.Command{
		Kind:      escrow.CmdFundProject,
		ActorID:   actor(r, req.ActorID),
		ProjectID: id,
		Amount:    req.Amount,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleCancelProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		ActorID string `json:"actor_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	project, err := s.escrow.Apply(r.Context(), escrow.Command{
		Kind:      escrow.CmdCancelProject,
		ActorID:   actor(r, req.ActorID),
		ProjectID: id,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleSubmitMilestone(w http.ResponseWriter, r *http.Request) {
	id, idx, ok := pathMilestone(w, r)
	if !ok {
		return
	}
	var req struct {
		ActorID     string `json:"actor_id"`
		EvidenceRef string `json:"evidence_ref"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	project, err := s.escrow.Apply(r.Context(), escrow.Command{
		Kind:        escrow.CmdSubmitDeliverable,
		ActorID:     actor(r, req.ActorID),
		ProjectID:   id,
		Milestone:   idx,
		EvidenceRef: req.EvidenceRef,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleApproveMilestone(w http.ResponseWriter, r *http.Request) {
	id, idx, ok := pathMilestone(w, r)
	if !ok {
		return
	}
	var req struct {
		ActorID string `json:"actor_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	project, err := s.escrow.Apply(r.Context(), escrow.Command{
		Kind:      escrow.CmdApproveMilestone,
		ActorID:   actor(r, req.ActorID),
		ProjectID: id,
		Milestone: idx,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleReleaseMilestone(w http.ResponseWriter, r *http.Request) {
	id, idx, ok := pathMilestone(w, r)
	if !ok {
		return
	}
	project, err := s.escrow.Apply(r.Context(), escrow.Command{
		Kind:      escrow.CmdReleaseMilestone,
		ProjectID: id,
		Milestone: idx,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	id, idx, ok := pathMilestone(w, r)
	if !ok {
		return
	}
	var req struct {
		ActorID string `json:"actor_id"`
		Reason  string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	record, err := s.disputes.Open(r.Context(), id, idx, actor(r, req.ActorID), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleProjectDisputes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.disputes.ByProject(id))
}

func (s *Server) handleSubmitProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req proposal.SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.JobID = id
	req.FreelancerID = actor(r, req.FreelancerID)
	p, err := s.proposals.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	proposals := make([]*proposal.Proposal, 0, 8)
	for p, err := range s.proposals.List(r.Context(), id) {
		if err != nil {
			writeError(w, err)
			return
		}
		proposals = append(proposals, p)
	}
	writeJSON(w, http.StatusOK, proposals)
}

func (s *Server) handleAcceptProposal(w http.ResponseWriter, r *http.Request) {
	proposalID := r.PathValue("id")
	var req struct {
		ActorID string `json:"actor_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.proposals.Accept(r.Context(), proposalID, actor(r, req.ActorID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleWithdrawProposal(w http.ResponseWriter, r *http.Request) {
	proposalID := r.PathValue("id")
	var req struct {
		ActorID string `json:"actor_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.proposals.Withdraw(r.Context(), proposalID, actor(r, req.ActorID)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	record, err := s.disputes.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ArbiterID  string  `json:"arbiter_id"`
		Winner     string  `json:"winner"`
		Confidence float64 `json:"confidence"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	record, err := s.disputes.Vote(r.Context(), r.PathValue("id"), actor(r, req.ArbiterID), dispute.Winner(req.Winner), req.Confidence)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleManualResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Winner string `json:"winner"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	record, err := s.disputes.ManualResolve(r.Context(), r.PathValue("id"), dispute.Winner(req.Winner))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"code":    string(xerrors.CodeInvalidArgument),
			"message": "请求体解析失败",
		})
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil || id == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"code":    string(xerrors.CodeInvalidArgument),
			"message": "无效的路径参数",
		})
		return 0, false
	}
	return id, true
}

func pathMilestone(w http.ResponseWriter, r *http.Request) (uint64, int, bool) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return 0, 0, false
	}
	idx, err := strconv.Atoi(r.PathValue("idx"))
	if err != nil || idx < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"code":    string(xerrors.CodeInvalidArgument),
			"message": "无效的里程碑序号",
		})
		return 0, 0, false
	}
	return id, idx, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError 将统一错误码映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument,
		escrow.CodeInvalidProject, escrow.CodeEmptyMilestoneList, escrow.CodeInvalidAmount,
		escrow.CodeBudgetMismatch, escrow.CodeAmountMismatch, escrow.CodeIndexOutOfRange,
		proposal.CodeProposalInvalid, dispute.CodeInvalidVote:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound,
		escrow.CodeProjectNotFound, proposal.CodeProposalNotFound, dispute.CodeDisputeNotFound:
		status = http.StatusNotFound
	case escrow.CodeNotAuthorized:
		status = http.StatusForbidden
	case xerrors.CodeConflict,
		escrow.CodeAlreadyFunded, escrow.CodeAlreadyAssigned, escrow.CodeNotActive,
		escrow.CodeNotCompleted, escrow.CodeAlreadyApproved, escrow.CodeNotApproved,
		escrow.CodeAlreadyReleased, escrow.CodeDisputeConflict, escrow.CodeCancelBlocked,
		escrow.CodeProjectConflict,
		proposal.CodeProposalConflict, proposal.CodeJobNotOpen, proposal.CodeProposalWithdrawn,
		dispute.CodeDuplicateVote, dispute.CodeDisputeClosed:
		status = http.StatusConflict
	case xerrors.CodePaymentFailed:
		status = http.StatusBadGateway
	case xerrors.CodeLockTimeout, xerrors.CodeTimeout:
		status = http.StatusServiceUnavailable
	}

	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	writeJSON(w, status, map[string]string{
		"code":    string(code),
		"message": message,
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
