package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nmxmxh/answerflow/internal/model"
	"github.com/nmxmxh/answerflow/internal/override"
	"github.com/nmxmxh/answerflow/internal/server/httputil"
	errs "github.com/nmxmxh/answerflow/pkg/errors"
)

type overrideRequest struct {
	Kind     string `json:"kind"`
	TargetID string `json:"target_id"`
	Reason   string `json:"reason"`
}

func (s *Server) applyOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, s.log, err)
		return
	}
	res, err := s.overrides.Override(r.Context(), override.Request{
		Kind:     override.Kind(req.Kind),
		TargetID: req.TargetID,
		Reason:   req.Reason,
		Actor:    actor(r),
	})
	if err != nil {
		httputil.WriteError(w, s.log, err)
		return
	}
	httputil.WriteJSONResponse(w, s.log, http.StatusOK, res)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// questionAction wraps the admin actions that take a question id and a reason.
func (s *Server) questionAction(fn func(r *http.Request, a override.Actor, id, reason string) (*model.Question, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reasonRequest
		if r.ContentLength != 0 {
			if err := httputil.DecodeJSON(r, &req); err != nil {
				httputil.WriteError(w, s.log, err)
				return
			}
		}
		q, err := fn(r, actor(r), r.PathValue("id"), req.Reason)
		if err != nil {
			httputil.WriteError(w, s.log, err)
			return
		}
		httputil.WriteJSONResponse(w, s.log, http.StatusOK, submitResponse{QuestionID: q.ID, Status: q.Status})
	}
}

func (s *Server) forceDeliver(w http.ResponseWriter, r *http.Request) {
	s.questionAction(func(r *http.Request, a override.Actor, id, reason string) (*model.Question, error) {
		return s.overrides.ForceDeliver(r.Context(), a, id, reason)
	})(w, r)
}

func (s *Server) forceReject(w http.ResponseWriter, r *http.Request) {
	s.questionAction(func(r *http.Request, a override.Actor, id, reason string) (*model.Question, error) {
		return s.overrides.ForceReject(r.Context(), a, id, reason)
	})(w, r)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	s.questionAction(func(r *http.Request, a override.Actor, id, reason string) (*model.Question, error) {
		return s.overrides.Cancel(r.Context(), a, id, reason)
	})(w, r)
}

func (s *Server) requeue(w http.ResponseWriter, r *http.Request) {
	s.questionAction(func(r *http.Request, a override.Actor, id, reason string) (*model.Question, error) {
		return s.overrides.Requeue(r.Context(), a, id, reason)
	})(w, r)
}

type flagRequest struct {
	ContentID   string `json:"content_id"`
	ContentKind string `json:"content_kind"`
	QuestionID  string `json:"question_id"`
	Reason      string `json:"reason"`
	Severity    string `json:"severity"`
	Note        string `json:"note"`
}

func (s *Server) createFlag(w http.ResponseWriter, r *http.Request) {
	var req flagRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, s.log, err)
		return
	}
	f, err := s.overrides.FlagContent(r.Context(), actor(r), override.FlagRequest{
		ContentID:   req.ContentID,
		ContentKind: req.ContentKind,
		QuestionID:  req.QuestionID,
		Reason:      model.FlagReason(req.Reason),
		Severity:    model.Severity(req.Severity),
		Note:        req.Note,
	})
	if err != nil {
		httputil.WriteError(w, s.log, err)
		return
	}
	httputil.WriteJSONResponse(w, s.log, http.StatusCreated, f)
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (s *Server) resolveFlag(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.WriteError(w, s.log, err)
			return
		}
	}
	f, err := s.overrides.ResolveFlag(r.Context(), actor(r), r.PathValue("id"), req.Note)
	if err != nil {
		httputil.WriteError(w, s.log, err)
		return
	}
	httputil.WriteJSONResponse(w, s.log, http.StatusOK, f)
}

func (s *Server) listFlags(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	flags, err := s.overrides.Flags(r.Context(), actor(r), q.Get("content_id"), q.Get("open") == "true")
	if err != nil {
		httputil.WriteError(w, s.log, err)
		return
	}
	if flags == nil {
		flags = []*model.ComplianceFlag{}
	}
	httputil.WriteJSONResponse(w, s.log, http.StatusOK, flags)
}

// auditFilter reads question_id, actor_id, action, since, until and limit.
func auditFilter(r *http.Request) (model.AuditFilter, error) {
	q := r.URL.Query()
	f := model.AuditFilter{
		QuestionID: q.Get("question_id"),
		ActorID:    q.Get("actor_id"),
		Action:     q.Get("action"),
	}
	var err error
	if v := q.Get("since"); v != "" {
		if f.Since, err = time.Parse(time.RFC3339, v); err != nil {
			return f, errs.Validation("since", "must be RFC3339")
		}
	}
	if v := q.Get("until"); v != "" {
		if f.Until, err = time.Parse(time.RFC3339, v); err != nil {
			return f, errs.Validation("until", "must be RFC3339")
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, errs.Validation("limit", "must be a non-negative integer")
		}
	}
	return f, nil
}

func (s *Server) auditTrail(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilter(r)
	if err != nil {
		httputil.WriteError(w, s.log, err)
		return
	}
	entries, err := s.overrides.AuditTrail(r.Context(), actor(r), filter)
	if err != nil {
		httputil.WriteError(w, s.log, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	httputil.WriteJSONResponse(w, s.log, http.StatusOK, entries)
}
