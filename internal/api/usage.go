package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/phaseguild/internal/breaker"
	"github.com/kazz187/phaseguild/internal/engine"
	"github.com/kazz187/phaseguild/internal/pricing"
	"github.com/kazz187/phaseguild/internal/tokencount"
	"github.com/kazz187/phaseguild/pkg/cerr"
)

// usageRequest reports either token counts or raw text. Text is counted with
// the token counter and added to any explicit count.
type usageRequest struct {
	TaskID    string       `json:"task_id,omitempty"`
	TokensIn  int64        `json:"tokens_in,omitempty"`
	TokensOut int64        `json:"tokens_out,omitempty"`
	TextIn    string       `json:"text_in,omitempty"`
	TextOut   string       `json:"text_out,omitempty"`
	Model     string       `json:"model,omitempty"`
	Tier      pricing.Tier `json:"tier,omitempty"`
}

type usageResponse struct {
	Usage   breaker.Usage  `json:"usage"`
	Budget  breaker.Status `json:"budget"`
	Counted []countResult  `json:"counted,omitempty"`
	Warning string         `json:"warning,omitempty"`
}

type countResult struct {
	Field string `json:"field"`
	tokencount.Result
}

func (s *Server) recordUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req usageRequest
	if err := decodeBody(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	report := engine.UsageReport{
		TaskID:    req.TaskID,
		TokensIn:  req.TokensIn,
		TokensOut: req.TokensOut,
		Model:     req.Model,
		Tier:      req.Tier,
	}
	var counted []countResult
	if req.TextIn != "" {
		c := s.counter.Count(req.TextIn)
		report.TokensIn += c.Tokens
		counted = append(counted, countResult{Field: "text_in", Result: c})
	}
	if req.TextOut != "" {
		c := s.counter.Count(req.TextOut)
		report.TokensOut += c.Tokens
		counted = append(counted, countResult{Field: "text_out", Result: c})
	}

	usage, wf, err := s.engine.RecordUsage(ctx, chi.URLParam(r, "id"), report)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	resp := usageResponse{Usage: usage, Budget: wf.Breaker.Status(), Counted: counted}
	if usage.UnknownModel != nil {
		resp.Warning = cerr.MessageOf(usage.UnknownModel)
	}
	cerr.SetJSONResponse(ctx, resp)
}
