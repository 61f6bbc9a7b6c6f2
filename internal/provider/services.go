package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/model"
)

// HumanizerClient calls an external humanization service.
type HumanizerClient struct {
	ep *endpoint
}

var _ Humanizer = (*HumanizerClient)(nil)

// NewHumanizerClient returns nil when url is empty so callers can fall back.
func NewHumanizerClient(url, apiKey string, client *http.Client, log *zap.Logger) *HumanizerClient {
	if url == "" {
		return nil
	}
	return &HumanizerClient{ep: newEndpoint("humanizer", url, apiKey, client, log)}
}

type humanizeRequest struct {
	Text    string `json:"text"`
	Subject string `json:"subject,omitempty"`
}

type humanizeResponse struct {
	Text string `json:"text"`
}

func (h *HumanizerClient) Humanize(ctx context.Context, text, subject string) (*HumanizeResult, error) {
	var resp humanizeResponse
	if err := h.ep.post(ctx, humanizeRequest{Text: text, Subject: subject}, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, fmt.Errorf("provider %s: empty humanized text", h.ep.name)
	}
	return &HumanizeResult{Text: resp.Text, Method: model.MethodExternal}, nil
}

// OriginalityClient calls an external similarity/plagiarism service.
type OriginalityClient struct {
	ep *endpoint
}

var _ OriginalityChecker = (*OriginalityClient)(nil)

// NewOriginalityClient returns nil when url is empty.
func NewOriginalityClient(url, apiKey string, client *http.Client, log *zap.Logger) *OriginalityClient {
	if url == "" {
		return nil
	}
	return &OriginalityClient{ep: newEndpoint("originality", url, apiKey, client, log)}
}

type originalityRequest struct {
	Text string `json:"text"`
}

func (o *OriginalityClient) CheckOriginality(ctx context.Context, text string) (*OriginalityReport, error) {
	var report OriginalityReport
	if err := o.ep.post(ctx, originalityRequest{Text: text}, &report); err != nil {
		return nil, err
	}
	if report.SimilarityScore < 0 || report.SimilarityScore > 1 || report.AIScore < 0 || report.AIScore > 1 {
		return nil, fmt.Errorf("provider %s: scores out of range", o.ep.name)
	}
	return &report, nil
}

// TextExtractor pulls question text out of an uploaded image.
type TextExtractor interface {
	Extract(ctx context.Context, imageURL string) (string, error)
}

// OCRClient calls an external text-extraction service.
type OCRClient struct {
	ep *endpoint
}

var _ TextExtractor = (*OCRClient)(nil)

// NewOCRClient returns nil when url is empty.
func NewOCRClient(url, apiKey string, client *http.Client, log *zap.Logger) *OCRClient {
	if url == "" {
		return nil
	}
	return &OCRClient{ep: newEndpoint("ocr", url, apiKey, client, log)}
}

type ocrRequest struct {
	ImageURL string `json:"image_url"`
}

type ocrResponse struct {
	Text string `json:"text"`
}

// Extract returns the recognised text, which may be empty.
func (o *OCRClient) Extract(ctx context.Context, imageURL string) (string, error) {
	var resp ocrResponse
	if err := o.ep.post(ctx, ocrRequest{ImageURL: imageURL}, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}
