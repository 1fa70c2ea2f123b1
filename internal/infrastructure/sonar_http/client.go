package sonar_http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/ci-promoter/internal/domain"
)

var (
	errPending = errors.New("analysis pending")
	taskIDRe   = regexp.MustCompile(`api/ce/task\?id=([A-Za-z0-9_-]+)`)
)

type Options struct {
	BaseURL      string
	Token        string
	ProjectKey   string
	PollInterval time.Duration
	Timeout      time.Duration
	// Scanner, when set, is run first and its compute engine task is
	// awaited before the quality gate is read. Without it the gate waits for
	// an analysis whose project version is the artifact tag.
	Scanner []string
	Dir     string
}

// Client reads SonarQube quality gate verdicts.
type Client struct {
	opts   Options
	hc     *http.Client
	runner domain.CommandRunner
}

func New(opts Options, runner domain.CommandRunner) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}
	return NewWithHTTPClient(opts, runner, &http.Client{Transport: tr, Timeout: timeout})
}

func NewWithHTTPClient(opts Options, runner domain.CommandRunner, hc *http.Client) *Client {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	return &Client{opts: opts, hc: hc, runner: runner}
}

type taskDTO struct {
	Task struct {
		Status       string `json:"status"`
		AnalysisID   string `json:"analysisId"`
		ErrorMessage string `json:"errorMessage"`
	} `json:"task"`
}

type analysesDTO struct {
	Analyses []struct {
		Key            string `json:"key"`
		Date           string `json:"date"`
		ProjectVersion string `json:"projectVersion"`
	} `json:"analyses"`
}

type conditionDTO struct {
	Status         string `json:"status"`
	MetricKey      string `json:"metricKey"`
	Comparator     string `json:"comparator"`
	ErrorThreshold string `json:"errorThreshold"`
	ActualValue    string `json:"actualValue"`
}

type projectStatusDTO struct {
	ProjectStatus struct {
		Status     string         `json:"status"`
		Conditions []conditionDTO `json:"conditions"`
	} `json:"projectStatus"`
}

// SubmitAnalysis runs the scanner if one is configured and polls until
// SonarQube reports a verdict. Only OK is a pass. The wait is bounded by
// ctx alone.
func (c *Client) SubmitAnalysis(ctx context.Context, artifact domain.ArtifactReference) (domain.GateOutcome, map[string]any, error) {
	details := map[string]any{"project_key": c.opts.ProjectKey}
	if c.opts.BaseURL != "" {
		details["dashboard"] = fmt.Sprintf("%s/dashboard?id=%s", c.opts.BaseURL, url.QueryEscape(c.opts.ProjectKey))
	}

	var (
		analysisID string
		err        error
	)
	if len(c.opts.Scanner) > 0 {
		analysisID, err = c.scan(ctx, artifact, details)
	} else {
		analysisID, err = c.analysisFor(ctx, artifact.Tag())
	}
	if err != nil {
		return domain.OutcomeFail, details, err
	}
	details["analysis_id"] = analysisID
	q := url.Values{}
	q.Set("analysisId", analysisID)

	var ps projectStatusDTO
	op := func() error {
		if err := c.getJSON(ctx, "/api/qualitygates/project_status?"+q.Encode(), &ps); err != nil {
			return err
		}
		switch ps.ProjectStatus.Status {
		case "OK", "ERROR", "WARN":
			return nil
		default:
			return errPending
		}
	}
	if err := c.poll(ctx, op); err != nil {
		return domain.OutcomeFail, details, err
	}

	details["status"] = ps.ProjectStatus.Status
	var failed []string
	for _, cond := range ps.ProjectStatus.Conditions {
		if cond.Status != "OK" {
			failed = append(failed, fmt.Sprintf("%s=%s (%s %s)", cond.MetricKey, cond.ActualValue, cond.Comparator, cond.ErrorThreshold))
		}
	}
	if len(failed) > 0 {
		details["failed_conditions"] = failed
	}

	if ps.ProjectStatus.Status == "OK" {
		return domain.OutcomePass, details, nil
	}
	return domain.OutcomeFail, details, nil
}

func (c *Client) scan(ctx context.Context, artifact domain.ArtifactReference, details map[string]any) (string, error) {
	r := strings.NewReplacer(
		"{{project_key}}", c.opts.ProjectKey,
		"{{image}}", artifact.Image(),
		"{{tag}}", artifact.Tag(),
	)
	argv := make([]string, len(c.opts.Scanner))
	for i, a := range c.opts.Scanner {
		argv[i] = r.Replace(a)
	}

	res, err := c.runner.Run(ctx, c.opts.Dir, argv, nil)
	if err != nil {
		return "", fmt.Errorf("sonar scanner: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("sonar scanner exited with %d", res.ExitCode)
	}
	m := taskIDRe.FindStringSubmatch(res.Output)
	if m == nil {
		return "", errors.New("sonar scanner output has no compute engine task id")
	}
	details["task_id"] = m[1]

	var task taskDTO
	op := func() error {
		if err := c.getJSON(ctx, "/api/ce/task?id="+url.QueryEscape(m[1]), &task); err != nil {
			return err
		}
		switch task.Task.Status {
		case "SUCCESS":
			return nil
		case "FAILED", "CANCELED":
			return backoff.Permanent(fmt.Errorf("sonar analysis %s: %s", strings.ToLower(task.Task.Status), task.Task.ErrorMessage))
		default:
			return errPending
		}
	}
	if err := c.poll(ctx, op); err != nil {
		return "", err
	}
	return task.Task.AnalysisID, nil
}

// analysisFor waits for an analysis of the project recorded with version.
func (c *Client) analysisFor(ctx context.Context, version string) (string, error) {
	q := url.Values{}
	q.Set("project", c.opts.ProjectKey)
	q.Set("ps", "100")

	var id string
	op := func() error {
		var res analysesDTO
		if err := c.getJSON(ctx, "/api/project_analyses/search?"+q.Encode(), &res); err != nil {
			return err
		}
		for _, a := range res.Analyses {
			if a.ProjectVersion == version {
				id = a.Key
				return nil
			}
		}
		return errPending
	}
	if err := c.poll(ctx, op); err != nil {
		return "", fmt.Errorf("no analysis of %s version %s: %w", c.opts.ProjectKey, version, err)
	}
	return id, nil
}

func (c *Client) poll(ctx context.Context, op backoff.Operation) error {
	return backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(c.opts.PollInterval), ctx))
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+path, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	if c.opts.Token != "" {
		req.SetBasicAuth(c.opts.Token, "")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("sonar %s", resp.Status)
	}
	if resp.StatusCode >= 300 {
		return backoff.Permanent(fmt.Errorf("sonar %s", resp.Status))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode sonar response: %w", err))
	}
	return nil
}
