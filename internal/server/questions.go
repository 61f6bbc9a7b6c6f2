package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/model"
	"github.com/nmxmxh/answerflow/internal/pipeline"
	"github.com/nmxmxh/answerflow/internal/server/httputil"
	errs "github.com/nmxmxh/answerflow/pkg/errors"
)

// ExpertRole may decide questions held in expert review.
const ExpertRole = "expert"

type submitRequest struct {
	InputKind string                 `json:"input_kind"`
	Text      string                 `json:"text"`
	ImageURL  string                 `json:"image_url"`
	Subject   string                 `json:"subject"`
	Priority  int                    `json:"priority"`
	Metadata  map[string]interface{} `json:"metadata"`
}

type submitResponse struct {
	QuestionID string       `json:"question_id"`
	Status     model.Status `json:"status"`
}

func unauthenticated(w http.ResponseWriter, log *zap.Logger) {
	httputil.WriteJSONError(w, log, http.StatusUnauthorized, "unauthorized", nil)
}

func (s *Server) submitQuestion(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if a.ID == "" {
		unauthenticated(w, s.log)
		return
	}
	var req submitRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, s.log, err)
		return
	}
	q, err := s.orch.Submit(r.Context(), pipeline.SubmitRequest{
		SubmitterID: a.ID,
		InputKind:   model.InputKind(req.InputKind),
		Text:        req.Text,
		ImageURL:    req.ImageURL,
		Subject:     req.Subject,
		Priority:    req.Priority,
		Metadata:    req.Metadata,
	})
	if err != nil {
		httputil.WriteError(w, s.log, err)
		return
	}
	httputil.WriteJSONResponse(w, s.log, http.StatusAccepted, submitResponse{QuestionID: q.ID, Status: q.Status})
}

// questionStatus is visible to the submitter, experts and elevated roles.
func (s *Server) questionStatus(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if a.ID == "" {
		unauthenticated(w, s.log)
		return
	}
	id := r.PathValue("id")
	q, err := s.orch.Store().GetQuestion(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, s.log, err, zap.String("question_id", id))
		return
	}
	if q.SubmitterID != a.ID && !a.Elevated() && !a.HasRole(ExpertRole) {
		httputil.WriteError(w, s.log, errs.Wrap(errs.ErrForbidden, "not your question"))
		return
	}
	snap, err := s.orch.GetStatus(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, s.log, err, zap.String("question_id", id))
		return
	}
	httputil.WriteJSONResponse(w, s.log, http.StatusOK, snap)
}

type ratingRequest struct {
	Score   int    `json:"score"`
	Comment string `json:"comment"`
}

func (s *Server) rateAnswer(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if a.ID == "" {
		unauthenticated(w, s.log)
		return
	}
	var req ratingRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, s.log, err)
		return
	}
	q, err := s.orch.Rate(r.Context(), r.PathValue("id"), a.ID, req.Score, req.Comment)
	if err != nil {
		httputil.WriteError(w, s.log, err)
		return
	}
	httputil.WriteJSONResponse(w, s.log, http.StatusOK, submitResponse{QuestionID: q.ID, Status: q.Status})
}

type reviewRequest struct {
	QuestionID    string `json:"question_id"`
	Approve       bool   `json:"approve"`
	CorrectedText string `json:"corrected_text"`
	Notes         string `json:"notes"`
	Reason        string `json:"reason"`
}

func (s *Server) expertReview(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if a.ID == "" {
		unauthenticated(w, s.log)
		return
	}
	if !a.HasRole(ExpertRole) && !a.Elevated() {
		httputil.WriteError(w, s.log, errs.Wrap(errs.ErrForbidden, "expert role required"))
		return
	}
	var req reviewRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, s.log, err)
		return
	}
	q, err := s.orch.SubmitExpertReview(r.Context(), pipeline.ExpertDecision{
		QuestionID:    req.QuestionID,
		ExpertID:      a.ID,
		Approve:       req.Approve,
		CorrectedText: req.CorrectedText,
		Notes:         req.Notes,
		Reason:        req.Reason,
	})
	if err != nil {
		httputil.WriteError(w, s.log, err, zap.String("question_id", req.QuestionID))
		return
	}
	httputil.WriteJSONResponse(w, s.log, http.StatusOK, submitResponse{QuestionID: q.ID, Status: q.Status})
}
