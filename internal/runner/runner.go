// Package runner implements the Runner Interaction client (component B):
// a typed HTTP client over a pipeline worker's admin endpoints, with
// uniform error mapping into the RunnerError taxonomy and per-pipeline
// circuit breaking so a wedged worker cannot be hammered by every
// automaton reconcile tick.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/flowctl/flowctl/internal/circuitbreaker"
	"github.com/flowctl/flowctl/internal/metrics"
	"github.com/flowctl/flowctl/internal/observability"
)

// Status is the worker's self-reported state, returned by probe.
type Status struct {
	State        string `json:"state"` // e.g. "paused", "running"
	FatalError   string `json:"fatal_error,omitempty"`
	FatalDetails string `json:"fatal_details,omitempty"`
}

// Chunk is one element of an egress/query stream.
type Chunk struct {
	JSONData json.RawMessage `json:"json_data,omitempty"`
	BinData  []byte          `json:"bin_data,omitempty"`
}

// RowError describes one rejected row of an ingress batch.
type RowError struct {
	EventNumber int    `json:"event_number"`
	Field       string `json:"field"`
	InvalidText string `json:"invalid_text"`
}

// ParseErrors is returned alongside HTTP 400 from ingress: some rows may
// already have been accepted even though this response reports errors.
type ParseErrors struct {
	Errors []RowError `json:"errors"`
}

// QueryResult is the outcome of an ad-hoc query; Count is set only for
// INSERT statements.
type QueryResult struct {
	Rows  []json.RawMessage `json:"rows,omitempty"`
	Count *int64            `json:"count,omitempty"`
}

// Client is a shared HTTP client bound to one worker's base URL, one per
// pipeline process to bound the automaton's connection and
// circuit-breaker bookkeeping.
type Client struct {
	pipelineID string
	baseURL    string
	http       *http.Client
	breaker    *circuitbreaker.Breaker
}

// New constructs a Client. requestTimeout bounds every individual call;
// breaker protects baseURL from repeated failures once tripped.
func New(pipelineID, baseURL string, requestTimeout time.Duration, breaker *circuitbreaker.Breaker) *Client {
	return &Client{
		pipelineID: pipelineID,
		baseURL:    baseURL,
		breaker:    breaker,
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// Probe fetches the worker's /stats status snapshot.
func (c *Client) Probe(ctx context.Context) (*Status, error) {
	var status Status
	err := c.call(ctx, "probe", http.MethodGet, "/stats", nil, &status)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// Start requests the worker transition to Running.
func (c *Client) Start(ctx context.Context) error {
	return c.call(ctx, "start", http.MethodPost, "/start", nil, nil)
}

// Pause requests the worker transition to Paused.
func (c *Client) Pause(ctx context.Context) error {
	return c.call(ctx, "pause", http.MethodPost, "/pause", nil, nil)
}

// Shutdown asks the worker to exit gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, "shutdown", http.MethodPost, "/shutdown", nil, nil)
}

// Ingress pushes body (already encoded per format) to a table and
// returns any per-row parse errors. A non-nil *ParseErrors can be
// returned alongside a nil error: some rows may have been accepted.
func (c *Client) Ingress(ctx context.Context, table, format string, body io.Reader) (*ParseErrors, error) {
	path := fmt.Sprintf("/ingress/%s?format=%s", url.PathEscape(table), format)
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	resp, parseErrs, err := c.doRaw(ctx, "ingress", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return parseErrs, nil
}

// Egress opens a chunked stream of view output; the caller must close
// the returned body.
func (c *Client) Egress(ctx context.Context, view, format string) (io.ReadCloser, error) {
	path := fmt.Sprintf("/egress/%s?format=%s", url.PathEscape(view), format)
	req, err := c.newRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return nil, err
	}
	resp, _, err := c.doRaw(ctx, "egress", req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Query runs an ad-hoc SQL statement and returns its tabular result.
func (c *Client) Query(ctx context.Context, sql, format string) (*QueryResult, error) {
	path := fmt.Sprintf("/query?sql=%s&format=%s", url.QueryEscape(sql), format)
	var result QueryResult
	if err := c.call(ctx, "query", http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// call performs a request expecting a JSON response (or no body when
// out is nil), applying the circuit breaker and uniform error mapping.
func (c *Client) call(ctx context.Context, op, method, path string, body io.Reader, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, _, err := c.doRaw(ctx, op, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return responseBodyError(req.URL.String(), err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return jsonParseError(req.URL.String(), err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
}

// doRaw performs the HTTP round-trip, recording circuit-breaker and
// metrics outcomes, and maps transport/status failures into the
// RunnerError taxonomy. On ingress 400 with a well-formed ParseErrors
// body it returns (resp, parseErrs, nil) rather than an error, since
// some rows may still have been accepted.
func (c *Client) doRaw(ctx context.Context, op string, req *http.Request) (*http.Response, *ParseErrors, error) {
	ctx, span := observability.StartClientSpan(ctx, "runner."+op,
		observability.AttrPipelineID.String(c.pipelineID),
		observability.AttrRunnerOp.String(op),
	)
	defer span.End()
	req = req.WithContext(ctx)

	if c.breaker != nil && !c.breaker.Allow() {
		err := newError(CodePipelineEndpointSendError, "circuit breaker open for pipeline %s", c.pipelineID)
		observability.SetSpanError(span, err)
		return nil, nil, err
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	durationMs := time.Since(started).Milliseconds()

	if err != nil {
		c.recordOutcome(false, op, durationMs)
		var rerr *Error
		if ctx.Err() != nil {
			rerr = sendError(req.URL.String(), ctx.Err())
		} else {
			rerr = sendError(req.URL.String(), err)
		}
		observability.SetSpanError(span, rerr)
		return nil, nil, rerr
	}

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		c.recordOutcome(true, op, durationMs)
		observability.SetSpanOK(span)
		return resp, nil, nil
	}

	if resp.StatusCode == http.StatusBadRequest && op == "ingress" {
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr == nil {
			var parseErrs ParseErrors
			if json.Unmarshal(data, &parseErrs) == nil {
				c.recordOutcome(true, op, durationMs)
				observability.SetSpanOK(span)
				return &http.Response{Body: io.NopCloser(bytes.NewReader(nil)), StatusCode: resp.StatusCode}, &parseErrs, nil
			}
		}
	}

	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	c.recordOutcome(false, op, durationMs)
	rerr := invalidResponseError(req.URL.String(), resp.StatusCode, string(data))
	observability.SetSpanError(span, rerr)
	return nil, nil, rerr
}

func (c *Client) recordOutcome(success bool, op string, durationMs int64) {
	if c.breaker != nil {
		if success {
			c.breaker.RecordSuccess()
		} else {
			c.breaker.RecordFailure()
		}
	}
	metrics.RecordRunnerCall(op, durationMs, success)
}

