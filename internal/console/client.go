// Package console backs the answerctl operator CLI: a thin client for the
// HTTP API and table renderers for its replies.
package console

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nmxmxh/answerflow/internal/model"
	"github.com/nmxmxh/answerflow/internal/override"
	"github.com/nmxmxh/answerflow/pkg/json"
)

// Client calls the pipeline API with a bearer token.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient returns a client for the API at base.
func NewClient(base, token string) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

// APIError is a non-2xx reply.
type APIError struct {
	Status  int
	Message string
	Details string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Message, e.Details)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			apiErr.Message, apiErr.Details = e.Error, e.Details
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Status fetches a question snapshot.
func (c *Client) Status(ctx context.Context, id string) (*model.StatusSnapshot, error) {
	var snap model.StatusSnapshot
	if err := c.call(ctx, http.MethodGet, "/questions/"+url.PathEscape(id), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Audit lists audit entries matching filter.
func (c *Client) Audit(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("question_id", filter.QuestionID)
	set("actor_id", filter.ActorID)
	set("action", filter.Action)
	if !filter.Since.IsZero() {
		q.Set("since", filter.Since.Format(time.RFC3339))
	}
	if filter.Limit > 0 {
		q.Set("limit", fmt.Sprint(filter.Limit))
	}
	var out []model.AuditEntry
	err := c.call(ctx, http.MethodGet, "/admin/audit?"+q.Encode(), nil, &out)
	return out, err
}

// Flags lists compliance flags for contentID.
func (c *Client) Flags(ctx context.Context, contentID string, openOnly bool) ([]model.ComplianceFlag, error) {
	q := url.Values{}
	if contentID != "" {
		q.Set("content_id", contentID)
	}
	if openOnly {
		q.Set("open", "true")
	}
	var out []model.ComplianceFlag
	err := c.call(ctx, http.MethodGet, "/admin/flags?"+q.Encode(), nil, &out)
	return out, err
}

// Override applies an override kind to a question.
func (c *Client) Override(ctx context.Context, kind override.Kind, id, reason string) (*override.Result, error) {
	var res override.Result
	err := c.call(ctx, http.MethodPost, "/admin/overrides", map[string]string{
		"kind":      string(kind),
		"target_id": id,
		"reason":    reason,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// QuestionAction runs one of deliver, reject, cancel or requeue.
func (c *Client) QuestionAction(ctx context.Context, action, id, reason string) (model.Status, error) {
	var out struct {
		Status model.Status `json:"status"`
	}
	err := c.call(ctx, http.MethodPost, "/admin/questions/"+url.PathEscape(id)+"/"+action, map[string]string{"reason": reason}, &out)
	return out.Status, err
}

// ResolveFlag closes a flag.
func (c *Client) ResolveFlag(ctx context.Context, id, note string) error {
	return c.call(ctx, http.MethodPost, "/admin/flags/"+url.PathEscape(id)+"/resolve", map[string]string{"note": note}, nil)
}
