package gitlab_http

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/ci-promoter/internal/domain"
)

// Client reads the latest successful pipeline of a project ref. The pipeline
// id doubles as the build counter of the artifact built from it.
type Client struct {
	baseUrl string
	token   string
	hc      *http.Client
}

func New(baseUrl string, token string, timeout time.Duration) *Client {
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}

	return NewWithHTTPClient(baseUrl, token, &http.Client{Transport: tr, Timeout: timeout})
}

func NewWithHTTPClient(baseUrl, token string, hc *http.Client) *Client {
	return &Client{baseUrl: trimSlash(baseUrl), token: token, hc: hc}
}

type pipelineDTO struct {
	ID     int64  `json:"id"`
	Ref    string `json:"ref"`
	SHA    string `json:"sha"`
	Status string `json:"status"`
}

type projectDTO struct {
	HTTPURLToRepo     string `json:"http_url_to_repo"`
	PathWithNamespace string `json:"path_with_namespace"`
}

func (c *Client) LatestSource(ctx context.Context, pr domain.ProjectRef) (domain.SourceRef, error) {
	var list []pipelineDTO
	q := url.Values{}
	q.Set("ref", pr.Ref)
	q.Set("status", "success")
	q.Set("per_page", "1")
	listURL := fmt.Sprintf("%s/api/v4/projects/%d/pipelines?%s", c.baseUrl, pr.ProjectID, q.Encode())
	if err := c.getJSON(ctx, listURL, &list); err != nil {
		return domain.SourceRef{}, err
	}
	if len(list) == 0 {
		return domain.SourceRef{}, nil
	}
	p := list[0]

	src := domain.SourceRef{
		Revision:    p.SHA,
		BuildNumber: strconv.FormatInt(p.ID, 10),
	}

	// The repository address is cosmetic; a failed lookup keeps the source usable.
	var proj projectDTO
	projURL := fmt.Sprintf("%s/api/v4/projects/%d", c.baseUrl, pr.ProjectID)
	if err := c.getJSON(ctx, projURL, &proj); err == nil {
		src.Repository = proj.HTTPURLToRepo
		if src.Repository == "" {
			src.Repository = proj.PathWithNamespace
		}
	}
	return src, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("PRIVATE-TOKEN", c.token)

		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}

		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusTooManyRequests {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if sec, _ := strconv.Atoi(ra); sec > 0 {
					select {
					case <-time.After(time.Duration(sec) * time.Second):
					case <-ctx.Done():
						return ctx.Err()
					}
					return fmt.Errorf("retry after due to 429")
				}
			}

			return fmt.Errorf("gitlab 429")
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("gitlab %s", resp.Status)
		}

		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("gitlab %s", resp.Status))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode gitlab response: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 300 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
