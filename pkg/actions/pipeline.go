package actions

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/tidemark/settler/pkg/models"
)

// PipelineResult summarizes one pipeline run for one item.
type PipelineResult struct {
	Status          models.ExecutionStatus
	ActionsExecuted int
	Log             []string
	ErrorType       *models.ErrorType
	Err             error
}

// Pipeline executes a rule's ordered actions for one item.
//
// Actions run strictly in sequence order. A failing action with
// stop-on-failure set halts the pipeline and fails the item; otherwise the
// pipeline continues and the item lands on partially succeeded. Transient
// failures are retried with backoff before counting as failed. A handler
// panic is converted to a failed action result at this boundary so it can
// never abort the whole rule run.
type Pipeline struct {
	registry *Registry
	logger   ectologger.Logger
	retry    RetryConfig
}

// NewPipeline creates a pipeline executor with default retry behavior
func NewPipeline(registry *Registry, logger ectologger.Logger) *Pipeline {
	return &Pipeline{
		registry: registry,
		logger:   logger,
		retry:    DefaultRetryConfig(),
	}
}

// WithRetry overrides the transient retry configuration
func (p *Pipeline) WithRetry(retry RetryConfig) *Pipeline {
	p.retry = retry
	return p
}

// Run executes the ordered actions against the pipeline context.
func (p *Pipeline) Run(ctx context.Context, actx *Context, ruleActions []models.RuleAction) PipelineResult {
	ordered := make([]models.RuleAction, len(ruleActions))
	copy(ordered, ruleActions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence < ordered[j].Sequence
	})

	result := PipelineResult{Status: models.ExecutionStatusSucceeded}
	sawFailure := false

	for _, action := range ordered {
		handler, err := p.registry.Get(action.ActionType)
		if err != nil {
			// Misconfiguration is fatal to the item and never retried
			errType := models.ErrorTypeConfiguration
			result.Status = models.ExecutionStatusFailed
			result.ErrorType = &errType
			result.Err = err
			result.Log = append(result.Log, fmt.Sprintf("action %d (%s): %s", action.Sequence, action.ActionType, err.Error()))
			p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"rule_id":     actx.Rule.ID,
				"action_type": action.ActionType,
			}).Error("unregistered action type")
			return result
		}

		res, err := p.executeWithRetry(ctx, handler, actx, action)
		if err == nil && res != nil && res.Success {
			result.ActionsExecuted++
			if res.Output != nil {
				actx.MergeOutput(res.Output)
			}
			msg := res.Message
			if msg == "" {
				msg = "ok"
			}
			result.Log = append(result.Log, fmt.Sprintf("action %d (%s): %s", action.Sequence, action.ActionType, msg))
			continue
		}

		if err == nil {
			err = fmt.Errorf("action %s reported failure", action.ActionType)
			if res != nil && res.Message != "" {
				err = fmt.Errorf("action %s failed: %s", action.ActionType, res.Message)
			}
		}

		errType := ClassifyError(err)
		result.Log = append(result.Log, fmt.Sprintf("action %d (%s): failed: %s", action.Sequence, action.ActionType, err.Error()))
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id":     actx.Rule.ID,
			"action_type": action.ActionType,
			"error_type":  errType,
		}).Warnf("Action %s failed", action.ActionType)

		if action.StopOnFailure {
			result.Status = models.ExecutionStatusFailed
			result.ErrorType = &errType
			result.Err = err
			return result
		}

		sawFailure = true
		if result.ErrorType == nil {
			result.ErrorType = &errType
			result.Err = err
		}
	}

	if sawFailure {
		result.Status = models.ExecutionStatusPartiallySucceeded
	}
	return result
}

// executeWithRetry runs one action, retrying transient errors with backoff.
func (p *Pipeline) executeWithRetry(ctx context.Context, handler Handler, actx *Context, action models.RuleAction) (*Result, error) {
	params := action.Params.GetValue()

	var lastErr error
	var lastRes *Result
	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := CalculateBackoff(p.retry, attempt)
			p.logger.WithContext(ctx).Warnf("Retrying action %s in %v (attempt %d/%d)", action.ActionType, delay, attempt, p.retry.MaxRetries)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		res, err := p.executeOnce(ctx, handler, actx, params)
		if err == nil {
			return res, nil
		}

		lastErr = err
		lastRes = res
		if ClassifyError(err) != models.ErrorTypeTransient {
			break
		}
	}
	return lastRes, lastErr
}

func (p *Pipeline) executeOnce(ctx context.Context, handler Handler, actx *Context, params map[string]any) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", handler.Type(), r)
			p.logger.WithContext(ctx).WithFields(map[string]any{
				"action_type": handler.Type(),
			}).Error("recovered from action handler panic")
		}
	}()

	return handler.Execute(ctx, actx, params)
}

// ClassifyError maps an action error onto the retry taxonomy.
func ClassifyError(err error) models.ErrorType {
	if err == nil {
		return models.ErrorTypePermanent
	}

	if httperror.IsHTTPError(err) {
		code := httperror.GetStatusCode(err)
		switch code {
		case http.StatusNotFound:
			return models.ErrorTypeNotFound
		case http.StatusConflict:
			return models.ErrorTypeConflict
		case http.StatusUnprocessableEntity:
			return models.ErrorTypeConfiguration
		case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return models.ErrorTypeTransient
		}
		if code >= http.StatusInternalServerError {
			return models.ErrorTypeTransient
		}
		return models.ErrorTypePermanent
	}

	if err == context.DeadlineExceeded {
		return models.ErrorTypeTransient
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "timed out", "connection refused", "connection reset", "temporarily unavailable"} {
		if strings.Contains(msg, marker) {
			return models.ErrorTypeTransient
		}
	}

	return models.ErrorTypePermanent
}
