package argocd_http

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/ci-promoter/internal/domain"
)

var errNotHealthy = errors.New("application not healthy")

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("argocd api error (status=%d): %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Client talks to the ArgoCD REST API with a bearer token.
type Client struct {
	baseURL      string
	token        string
	hc           *http.Client
	pollInterval time.Duration
}

func New(baseURL, token string, insecure bool, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure},
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
	}
	return NewWithHTTPClient(baseURL, token, &http.Client{Transport: tr, Timeout: timeout})
}

func NewWithHTTPClient(baseURL, token string, hc *http.Client) *Client {
	return &Client{
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:        token,
		hc:           hc,
		pollInterval: 5 * time.Second,
	}
}

// WithPollInterval sets how often WaitHealthy re-reads the application.
func (c *Client) WithPollInterval(d time.Duration) *Client {
	if d > 0 {
		c.pollInterval = d
	}
	return c
}

type applicationDTO struct {
	Metadata struct {
		Name string `json:"name"`
	} `json:"metadata"`
	Status struct {
		Health struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"health"`
		Sync struct {
			Status   string `json:"status"`
			Revision string `json:"revision"`
		} `json:"sync"`
		Summary struct {
			Images []string `json:"images"`
		} `json:"summary"`
		OperationState *struct {
			Phase   string `json:"phase"`
			Message string `json:"message"`
		} `json:"operationState"`
	} `json:"status"`
}

func (a applicationDTO) toStatus() domain.AppStatus {
	st := domain.AppStatus{
		Name:     a.Metadata.Name,
		Health:   a.Status.Health.Status,
		Sync:     a.Status.Sync.Status,
		Revision: a.Status.Sync.Revision,
		Images:   a.Status.Summary.Images,
		Message:  a.Status.Health.Message,
	}
	if op := a.Status.OperationState; op != nil && op.Message != "" && st.Message == "" {
		st.Message = op.Message
	}
	return st
}

// Sync asks ArgoCD to reconcile app. It reports false when ArgoCD refused
// the request outright.
func (c *Client) Sync(ctx context.Context, app string) (bool, error) {
	body, _ := json.Marshal(map[string]any{"prune": false})
	err := c.do(ctx, http.MethodPost, "/api/v1/applications/"+url.PathEscape(app)+"/sync", body, nil)
	if err == nil {
		return true, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if strings.Contains(strings.ToLower(apiErr.Body), "already in progress") {
			return true, nil
		}
	}
	return false, err
}

func (c *Client) Application(ctx context.Context, app string) (domain.AppStatus, error) {
	var a applicationDTO
	if err := c.do(ctx, http.MethodGet, "/api/v1/applications/"+url.PathEscape(app), nil, &a); err != nil {
		return domain.AppStatus{}, err
	}
	st := a.toStatus()
	if st.Name == "" {
		st.Name = app
	}
	return st, nil
}

// WaitHealthy polls app until it is Healthy and Synced or timeout elapses.
// On timeout the last observed status is returned with the error.
func (c *Client) WaitHealthy(ctx context.Context, app string, timeout time.Duration) (domain.AppStatus, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var last domain.AppStatus
	op := func() error {
		st, err := c.Application(wctx, app)
		if err != nil {
			return err
		}
		last = st
		if st.Healthy() {
			return nil
		}
		return errNotHealthy
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(c.pollInterval), wctx))
	if err != nil {
		if ctx.Err() != nil {
			return last, ctx.Err()
		}
		if errors.Is(err, errNotHealthy) || wctx.Err() != nil {
			return last, fmt.Errorf("application %s not healthy after %s (health=%s sync=%s): %w",
				app, timeout, last.Health, last.Sync, context.DeadlineExceeded)
		}
		return last, err
	}
	return last, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	op := func() error {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(&APIError{StatusCode: resp.StatusCode, Body: string(b)})
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(b, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode argocd response: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 300 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
