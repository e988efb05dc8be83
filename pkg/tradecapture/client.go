// Package tradecapture is the read-only client into the trade-capture
// system: it supplies the fact snapshots conditions evaluate against and
// enumerates subjects for scheduled sweeps.
package tradecapture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/tidemark/settler/internal/tracing"
	"github.com/tidemark/settler/pkg/facts"
	"github.com/tidemark/settler/pkg/models"
	"github.com/tidemark/settler/pkg/orchestrator"
)

const (
	// DefaultTimeout is the default request timeout
	DefaultTimeout = 10 * time.Second

	// MaxResponseSize is the maximum response body size (10MB)
	MaxResponseSize = 10 * 1024 * 1024
)

// Config holds trade-capture client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the trade-capture HTTP API. It implements facts.Provider
// and the orchestrator's subject catalog.
type Client struct {
	client  *http.Client
	baseURL string
	logger  ectologger.Logger
}

// NewClient creates a new trade-capture client
func NewClient(cfg Config, logger ectologger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: cfg.BaseURL,
		logger:  logger,
	}
}

// GetFacts fetches the flattened fact snapshot for one subject
func (c *Client) GetFacts(ctx context.Context, subjectID string, subjectType string) (facts.Set, error) {
	ctx, span := tracing.StartSpan(ctx, "tradecapture.Client.GetFacts")
	defer span.End()

	path := fmt.Sprintf("/api/v1/subjects/%s/%s/facts", url.PathEscape(subjectType), url.PathEscape(subjectID))

	var fs facts.Set
	if err := c.getJSON(ctx, path, &fs); err != nil {
		return nil, err
	}
	return fs, nil
}

type subjectListItem struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// ListEligibleSubjects enumerates the completed subjects a scheduled or
// unscoped manual rule should sweep. The scope narrowing itself happens in
// the engine against each subject's facts; this only pre-filters by rule
// type where the API supports it.
func (c *Client) ListEligibleSubjects(ctx context.Context, rule models.AutomationRule) ([]orchestrator.SubjectRef, error) {
	ctx, span := tracing.StartSpan(ctx, "tradecapture.Client.ListEligibleSubjects")
	defer span.End()

	query := url.Values{}
	query.Set("status", "completed")
	if rule.RuleType != "" {
		query.Set("rule_type", rule.RuleType)
	}

	var items []subjectListItem
	if err := c.getJSON(ctx, "/api/v1/subjects?"+query.Encode(), &items); err != nil {
		return nil, err
	}

	refs := make([]orchestrator.SubjectRef, 0, len(items))
	for _, item := range items {
		refs = append(refs, orchestrator.SubjectRef{ID: item.ID, Type: item.Type})
	}
	return refs, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport errors surface as transient so runs retry rather than fail
		c.logger.WithContext(ctx).WithError(err).Errorf("Trade-capture request failed: %s", path)
		return fmt.Errorf("trade capture request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read trade capture response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.WithContext(ctx).WithFields(map[string]any{
			"path":   path,
			"status": resp.StatusCode,
		}).Warnf("Trade-capture returned %d", resp.StatusCode)
		return httperror.NewHTTPErrorf(resp.StatusCode, "trade capture returned %d for %s", resp.StatusCode, path)
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("failed to decode trade capture response: %w", err)
	}
	return nil
}
