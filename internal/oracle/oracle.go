// Package oracle scores how likely an event describes an existing entity.
//
// The primary scorer is an external HTTP service. RuleScorer is the
// deterministic fallback used when the service is unavailable.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/gyaneshwarpardhi/provgraph/internal/config"
	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/logger"
)

// Scorer returns a similarity in [0, 1] between an event's attributes and a
// candidate entity's latest attributes.
type Scorer interface {
	Score(ctx context.Context, eventAttrs, candidateAttrs map[string]any) (float64, error)
}

// UnavailableError reports that the oracle could not produce a usable score
// after all attempts.
type UnavailableError struct {
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("oracle unavailable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is an *UnavailableError.
func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}

type scoreRequest struct {
	EventAttributes     map[string]any `json:"event_attributes"`
	CandidateAttributes map[string]any `json:"candidate_attributes"`
}

type scoreResponse struct {
	Score *float64 `json:"score"`
}

// Client calls POST {url}/score.
type Client struct {
	url         string
	httpClient  *http.Client
	timeout     time.Duration
	maxAttempts int
	initial     time.Duration
	log         *zap.SugaredLogger
}

// NewClient builds a Client from the oracle config section.
func NewClient(c config.OracleConf) *Client {
	return &Client{
		url:         strings.TrimRight(c.URL, "/"),
		httpClient:  &http.Client{},
		timeout:     time.Duration(c.TimeoutMs) * time.Millisecond,
		maxAttempts: max(c.MaxAttempts, 1),
		initial:     time.Duration(c.InitialBackoffMs) * time.Millisecond,
		log:         logger.Named("oracle"),
	}
}

// New returns the HTTP client when a URL is configured and the rule scorer
// otherwise.
func New(c config.OracleConf) Scorer {
	if c.URL == "" {
		return RuleScorer{}
	}
	return NewClient(c)
}

// SetHTTPClient replaces the underlying HTTP client.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// Score implements Scorer. Transport errors and 5xx responses are retried
// with exponential backoff; any other failure is returned at once. Every
// failure is an *UnavailableError.
func (c *Client) Score(ctx context.Context, eventAttrs, candidateAttrs map[string]any) (float64, error) {
	body, err := json.Marshal(scoreRequest{EventAttributes: eventAttrs, CandidateAttributes: candidateAttrs})
	if err != nil {
		return 0, &UnavailableError{Err: errors.Wrap(err, "encode request")}
	}

	b := backoff.NewExponentialBackOff()
	if c.initial > 0 {
		b.InitialInterval = c.initial
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempts-1)), ctx)

	var (
		score    float64
		attempts int
	)
	err = backoff.Retry(func() error {
		attempts++
		s, err := c.attempt(ctx, body)
		if err != nil {
			c.log.Debugw("Oracle attempt failed", "attempt", attempts, "error", err)
			return err
		}
		score = s
		return nil
	}, policy)
	if err != nil {
		return 0, &UnavailableError{Attempts: attempts, Err: err}
	}
	return score, nil
}

func (c *Client) attempt(ctx context.Context, body []byte) (float64, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/score", bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(errors.Wrap(err, "build request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "oracle request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, errors.Wrap(err, "read response")
	}
	switch {
	case resp.StatusCode >= 500:
		return 0, errors.Newf("oracle returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return 0, backoff.Permanent(errors.Newf("oracle returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw)))
	}

	var out scoreResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, backoff.Permanent(errors.Wrap(err, "decode response"))
	}
	if out.Score == nil || math.IsNaN(*out.Score) || *out.Score < 0 || *out.Score > 1 {
		return 0, backoff.Permanent(errors.Newf("oracle score out of range: %s", bytes.TrimSpace(raw)))
	}
	return *out.Score, nil
}
