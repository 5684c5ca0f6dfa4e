// Package client implements a job source backed by the orchestrator API, for
// agents running outside the orchestrator process.
package client

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

	"github.com/google/uuid"

	"github.com/rollupkit/orchestrator/api"
	"github.com/rollupkit/orchestrator/common"
	"github.com/rollupkit/orchestrator/log"
	"github.com/rollupkit/orchestrator/prover/job"
)

const defaultTimeout = 30 * time.Second

// RemoteSource is a job.Source talking to an orchestrator over HTTP.
type RemoteSource struct {
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

var _ job.Source = (*RemoteSource)(nil)

// NewRemoteSource returns a source for the orchestrator API at baseURL.
func NewRemoteSource(baseURL string, logger *log.Logger) (*RemoteSource, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("malformed source url '%s': %w", baseURL, err)
	}
	return &RemoteSource{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  logger.WithModule("remote_source"),
	}, nil
}

// ClaimNext implements job.Source.
func (s *RemoteSource) ClaimNext(ctx context.Context, agentID string) (*job.Job, error) {
	resp, err := s.do(ctx, http.MethodPost, "/v1/jobs/claim", api.ClaimRequest{AgentID: agentID})
	if err != nil {
		return nil, err
	}
	defer common.CloseOrLog(resp.Body, s.logger)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var j job.Job
		if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
			return nil, fmt.Errorf("decoding claimed job: %w", err)
		}
		return &j, nil
	default:
		return nil, responseError(resp)
	}
}

// Resolve implements job.Source.
func (s *RemoteSource) Resolve(ctx context.Context, id uuid.UUID, result job.Result) error {
	resp, err := s.do(ctx, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/result", id), result)
	if err != nil {
		return err
	}
	defer common.CloseOrLog(resp.Body, s.logger)

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("resolve job %s: %w", id, responseError(resp))
	}
	return nil
}

// Cancelled implements job.Source.
func (s *RemoteSource) Cancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	resp, err := s.do(ctx, http.MethodGet, fmt.Sprintf("/v1/jobs/%s", id), nil)
	if err != nil {
		return false, err
	}
	defer common.CloseOrLog(resp.Body, s.logger)

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("job %s: %w", id, responseError(resp))
	}
	var body api.CancelledResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decoding job state: %w", err)
	}
	return body.Cancelled, nil
}

func (s *RemoteSource) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// responseError maps an error response back to the job source sentinels, so
// that agents handle remote and local sources alike.
func responseError(resp *http.Response) error {
	var body api.HumanReadableError
	msg := resp.Status
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err == nil && body.Msg != "" {
		msg = body.Msg
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", job.ErrUnknownJob, msg)
	case http.StatusConflict:
		for _, sentinel := range []error{job.ErrJobCancelled, job.ErrAlreadyResolved, job.ErrNotClaimed} {
			if strings.Contains(msg, sentinel.Error()) {
				return fmt.Errorf("%w: %s", sentinel, msg)
			}
		}
		return fmt.Errorf("conflict: %s", msg)
	default:
		return fmt.Errorf("unexpected response %d: %s", resp.StatusCode, msg)
	}
}
