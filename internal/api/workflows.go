package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/kazz187/phaseguild/internal/engine"
	"github.com/kazz187/phaseguild/internal/workflow"
	"github.com/kazz187/phaseguild/pkg/cerr"
)

const defaultPageSize = 50

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return cerr.NewError(cerr.InvalidArgument, "invalid request body", err)
	}
	return nil
}

type createWorkflowRequest struct {
	Description string                  `json:"description"`
	Name        string                  `json:"name,omitempty"`
	Budget      *decimal.Decimal        `json:"budget,omitempty"`
	Checkpoints map[workflow.Phase]bool `json:"checkpoints,omitempty"`
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createWorkflowRequest
	if err := decodeBody(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	budget, err := s.env.Budget()
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if req.Budget != nil {
		budget = *req.Budget
	}
	wf, err := s.engine.CreateWorkflowFromTask(ctx, req.Description, budget, engine.CreateOptions{
		Name:        req.Name,
		Checkpoints: req.Checkpoints,
	})
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponseWithStatus(ctx, http.StatusCreated, wf)
}

type listWorkflowsResponse struct {
	Workflows []*workflow.Workflow `json:"workflows"`
	Total     int                  `json:"total"`
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	wfs, total, err := s.engine.List(ctx, limit, offset)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if wfs == nil {
		wfs = []*workflow.Workflow{}
	}
	cerr.SetJSONResponse(ctx, listWorkflowsResponse{Workflows: wfs, Total: total})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("%s must be a non-negative integer", key), err)
	}
	return n, nil
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), wf)
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), struct{}{})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	wf, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), engine.GetStatus(wf))
}

func (s *Server) getBudget(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.BudgetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), st)
}

func (s *Server) getGovernance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wf, err := s.engine.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if r.URL.Query().Get("format") != "html" {
		writeText(w, "text/markdown; charset=utf-8", engine.GenerateGovernanceDocument(wf))
		return
	}
	html, err := engine.GenerateGovernanceHTML(wf)
	if err != nil {
		cerr.SetNewJSONError(ctx, cerr.Internal, "server error", err)
		return
	}
	writeText(w, "text/html; charset=utf-8", html)
}

func (s *Server) getPrompt(w http.ResponseWriter, r *http.Request) {
	wf, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	writeText(w, "text/plain; charset=utf-8", engine.GenerateOrchestratorPrompt(wf))
}

func writeText(w http.ResponseWriter, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (s *Server) advance(w http.ResponseWriter, r *http.Request) {
	wf, err := s.engine.AdvancePhase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), wf)
}

type checkpointRequest struct {
	Actor string `json:"actor"`
	Note  string `json:"note,omitempty"`
}

func (s *Server) checkpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req checkpointRequest
	if err := decodeBody(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	id := chi.URLParam(r, "id")
	var gate engine.ApprovalGate = s.engine
	var (
		wf  *workflow.Workflow
		err error
	)
	switch action := chi.URLParam(r, "action"); action {
	case "request":
		wf, err = gate.RequestApproval(ctx, id, req.Actor, req.Note)
	case "approve", "reject":
		if req.Actor == "" {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "actor is required", nil)
			return
		}
		if action == "approve" {
			wf, err = gate.Approve(ctx, id, req.Actor, req.Note)
		} else {
			wf, err = gate.Reject(ctx, id, req.Actor, req.Note)
		}
	default:
		cerr.SetNewJSONError(ctx, cerr.NotFound, "not found", nil)
		return
	}
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, wf)
}

type checkBudgetRequest struct {
	Estimate decimal.Decimal `json:"estimate"`
}

type checkBudgetResponse struct {
	Allowed bool   `json:"allowed"`
	Message string `json:"message"`
}

func (s *Server) checkBudget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req checkBudgetRequest
	if err := decodeBody(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	ok, msg, err := s.engine.CheckBudget(ctx, chi.URLParam(r, "id"), req.Estimate)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, checkBudgetResponse{Allowed: ok, Message: msg})
}

type resetBudgetRequest struct {
	Limit *decimal.Decimal `json:"limit,omitempty"`
}

func (s *Server) resetBudget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req resetBudgetRequest
	if err := decodeBody(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	wf, err := s.engine.ResetBudget(ctx, chi.URLParam(r, "id"), req.Limit)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, wf.Breaker.Status())
}

func (s *Server) resolveEscalation(w http.ResponseWriter, r *http.Request) {
	wf, err := s.engine.ResolveEscalation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), wf)
}

// verify answers 200 with the tamper list even when tampering is found; the
// ImmutabilityViolation is reported in the body.
func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	tampers, err := s.engine.VerifyLockedArtifacts(r.Context(), chi.URLParam(r, "id"))
	if err != nil && tampers == nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	resp := verifyResponse{Intact: err == nil, Tampers: tampers}
	if err != nil {
		resp.Error = &errorBody{Kind: cerr.KindOf(err), Message: cerr.MessageOf(err)}
	}
	cerr.SetJSONResponse(r.Context(), resp)
}

type verifyResponse struct {
	Intact  bool       `json:"intact"`
	Tampers any        `json:"tampers,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type taskActionRequest struct {
	Estimate *decimal.Decimal `json:"estimate,omitempty"`
	Result   string           `json:"result,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Path     string           `json:"path,omitempty"`
}

func (s *Server) taskAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req taskActionRequest
	if err := decodeBody(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	id, taskID := chi.URLParam(r, "id"), chi.URLParam(r, "task")
	var (
		wf  *workflow.Workflow
		err error
	)
	switch chi.URLParam(r, "action") {
	case "start":
		est := decimal.Zero
		if req.Estimate != nil {
			est = *req.Estimate
		}
		wf, err = s.engine.StartTask(ctx, id, taskID, est)
	case "complete":
		wf, err = s.engine.CompleteTask(ctx, id, taskID, req.Result)
	case "fail":
		wf, err = s.engine.FailTask(ctx, id, taskID, req.Reason)
	case "artifacts":
		wf, err = s.engine.AttachArtifact(ctx, id, taskID, req.Path)
	default:
		cerr.SetNewJSONError(ctx, cerr.NotFound, "not found", nil)
		return
	}
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	task, _ := wf.Task(taskID)
	cerr.SetJSONResponse(ctx, task)
}
