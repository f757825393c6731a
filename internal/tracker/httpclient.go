package tracker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/kiranshivaraju/netwatch/internal/config"
	"github.com/kiranshivaraju/netwatch/pkg/models"
)

// LaunchResult is the server's answer to a launch request.
type LaunchResult struct {
	JobID         string           `json:"jobId"`
	Status        models.JobStatus `json:"status"`
	EstimatedTime int              `json:"estimatedTime"`
}

// HTTPClient talks to the report API. It implements both PushChannel and
// PollChannel.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	stream  *http.Client
}

// NewHTTPClient creates a client for the server in cfg. Request/response
// calls use the tracker's request timeout; the event stream has none.
func NewHTTPClient(cfg config.ClientConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.ServerURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Tracker.RequestTimeout},
		stream:  &http.Client{},
	}
}

// Launch submits a report job.
func (c *HTTPClient) Launch(ctx context.Context, job models.JobConfig) (*LaunchResult, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encoding job config: %w", err)
	}

	resp, err := c.do(ctx, c.client, http.MethodPost, "/api/v1/reports", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, statusError(resp)
	}

	var out LaunchResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding launch response: %w", err)
	}
	return &out, nil
}

// Fetch reads the current record for jobID.
func (c *HTTPClient) Fetch(ctx context.Context, jobID string) (*models.JobRecord, error) {
	resp, err := c.do(ctx, c.client, http.MethodGet, "/api/v1/reports/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeReport(resp)
}

// Cancel asks the server to cancel jobID.
func (c *HTTPClient) Cancel(ctx context.Context, jobID string) (*models.JobRecord, error) {
	resp, err := c.do(ctx, c.client, http.MethodPost, "/api/v1/reports/"+url.PathEscape(jobID)+"/cancel", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeReport(resp)
}

// Subscribe opens the job's event stream and calls fn for each event. It
// returns nil when the server closes the stream.
func (c *HTTPClient) Subscribe(ctx context.Context, jobID string, fn func(models.JobEvent)) error {
	resp, err := c.do(ctx, c.stream, http.MethodGet, "/api/v1/reports/"+url.PathEscape(jobID)+"/stream", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return fmt.Errorf("%w: content type %q", ErrUnexpectedStatus, ct)
	}

	if err := readEvents(resp.Body, fn); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// readEvents parses a text/event-stream body. Only the data field is
// decoded; the event type is carried inside the JSON payload as well.
func readEvents(r io.Reader, fn func(models.JobEvent)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var data strings.Builder
	dispatch := func() error {
		if data.Len() == 0 {
			return nil
		}
		var ev models.JobEvent
		err := json.Unmarshal([]byte(data.String()), &ev)
		data.Reset()
		if err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		fn(ev)
		return nil
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return classifyError(err)
	}
	return dispatch()
}

func (c *HTTPClient) do(ctx context.Context, hc *http.Client, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(req, body != nil)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	return resp, nil
}

func (c *HTTPClient) setHeaders(req *http.Request, hasBody bool) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
}

func decodeReport(resp *http.Response) (*models.JobRecord, error) {
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var env reportEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding report response: %w", err)
	}
	if env.Report == nil {
		return nil, fmt.Errorf("%w: empty report", ErrUnexpectedStatus)
	}
	return env.Report, nil
}

// statusError converts a non-success response into an error, keeping the
// server's error code and message when the body carries one.
func statusError(resp *http.Response) error {
	var env errorEnvelope
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&env)

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if env.Error.Code != "" {
		return fmt.Errorf("%w: status %d: %s: %s", ErrUnexpectedStatus, resp.StatusCode, env.Error.Code, env.Error.Message)
	}
	return fmt.Errorf("%w: status %d", ErrUnexpectedStatus, resp.StatusCode)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrRequestTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrRequestTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
}

type reportEnvelope struct {
	Success bool              `json:"success"`
	Report  *models.JobRecord `json:"report"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Compile-time checks that HTTPClient serves both tracker channels.
var (
	_ PushChannel = (*HTTPClient)(nil)
	_ PollChannel = (*HTTPClient)(nil)
)
