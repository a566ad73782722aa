package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"CombineMR/internal/types"
)

// Client talks to a Boss over HTTP. Workers use it as their coordinator and
// the submit mode uses it to start and watch jobs.
type Client struct {
	base string
	http *http.Client
}

// NewClient accepts "host:port" or a full URL
func NewClient(addr string, timeout time.Duration) *Client {
	base := strings.TrimSuffix(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, http: &http.Client{Timeout: timeout}}
}

func (c *Client) Submit(ctx context.Context, spec types.JobSpec) (string, error) {
	var reply types.SubmitReply
	if err := c.call(ctx, http.MethodPost, "/submit_job", spec, &reply); err != nil {
		return "", err
	}
	return reply.JobID, nil
}

func (c *Client) Status(ctx context.Context, jobID string) (types.JobStatus, error) {
	var st types.JobStatus
	err := c.call(ctx, http.MethodGet, "/status?job_id="+url.QueryEscape(jobID), nil, &st)
	return st, err
}

func (c *Client) RequestTask(ctx context.Context, req types.TaskRequest) (types.TaskReply, error) {
	var reply types.TaskReply
	err := c.call(ctx, http.MethodPost, "/request_task", req, &reply)
	return reply, err
}

func (c *Client) Heartbeat(ctx context.Context, req types.HeartbeatRequest) (types.Ack, error) {
	var ack types.Ack
	err := c.call(ctx, http.MethodPost, "/heartbeat", req, &ack)
	return ack, err
}

func (c *Client) ReportComplete(ctx context.Context, req types.CompletionReport) (types.Ack, error) {
	var ack types.Ack
	err := c.call(ctx, http.MethodPost, "/report_complete", req, &ack)
	return ack, err
}

// Wait polls Status until the job is Done or Failed
func (c *Client) Wait(ctx context.Context, jobID string, every time.Duration) (types.JobStatus, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx, jobID)
		if err != nil {
			return st, err
		}
		if st.Phase.Finished() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
			return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}
		return restoreError(eb)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// restoreError maps an error body back onto the sentinel it was built from
func restoreError(eb errorBody) error {
	var sentinel error
	switch eb.Code {
	case codeInvalidSpec:
		sentinel = types.ErrInvalidJobSpec
	case codeJobNotFound:
		sentinel = types.ErrJobNotFound
	case codeTaskNotFound:
		sentinel = types.ErrTaskNotFound
	default:
		return fmt.Errorf("boss: %s", eb.Error)
	}
	return fmt.Errorf("%w (boss: %s)", sentinel, eb.Error)
}
