package k8s_http

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/ci-promoter/internal/domain"
)

const (
	defaultTokenFile = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	defaultCAFile    = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"
)

var (
	ErrNotFound     = errors.New("kubernetes resource not found")
	ErrUnauthorized = errors.New("kubernetes request unauthorized")
	ErrForbidden    = errors.New("kubernetes request forbidden")
)

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("kubernetes api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("kubernetes api error (status=%d): %s", e.StatusCode, body)
}

type Options struct {
	BaseURL   string
	Token     string
	TokenFile string
	CAFile    string
	Insecure  bool
	Timeout   time.Duration
}

// Client drives apps/v1 Deployments through the Kubernetes REST API.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

func New(opts Options) (*Client, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		file := opts.TokenFile
		if file == "" {
			file = defaultTokenFile
		}
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read kubernetes token: %w", err)
		}
		token = strings.TrimSpace(string(b))
	}
	if token == "" {
		return nil, errors.New("kubernetes token is empty")
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: opts.Insecure}
	caFile := opts.CAFile
	if caFile == "" && opts.TokenFile == "" && opts.Token == "" {
		caFile = defaultCAFile
	}
	if caFile != "" && !opts.Insecure {
		ca, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read kubernetes ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, errors.New("invalid kubernetes ca bundle")
		}
		tlsCfg.RootCAs = pool
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		TLSClientConfig:     tlsCfg,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
	}
	return NewWithHTTPClient(opts.BaseURL, token, &http.Client{Transport: tr, Timeout: timeout}), nil
}

func NewWithHTTPClient(baseURL, token string, hc *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   token,
		hc:      hc,
	}
}

type container struct {
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

type deploymentDTO struct {
	Metadata struct {
		Name       string `json:"name"`
		Generation int64  `json:"generation"`
	} `json:"metadata"`
	Spec struct {
		Replicas *int32 `json:"replicas"`
		Template struct {
			Spec struct {
				Containers []container `json:"containers"`
			} `json:"spec"`
		} `json:"template"`
	} `json:"spec"`
	Status struct {
		ObservedGeneration int64 `json:"observedGeneration"`
		Replicas           int32 `json:"replicas"`
		UpdatedReplicas    int32 `json:"updatedReplicas"`
		ReadyReplicas      int32 `json:"readyReplicas"`
		AvailableReplicas  int32 `json:"availableReplicas"`
		Conditions         []struct {
			Type    string `json:"type"`
			Status  string `json:"status"`
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"conditions"`
	} `json:"status"`
}

func deploymentPath(t domain.DeploymentTarget) string {
	return fmt.Sprintf("/apis/apps/v1/namespaces/%s/deployments/%s", t.Namespace, t.Workload)
}

func containerName(t domain.DeploymentTarget) string {
	if t.Container != "" {
		return t.Container
	}
	return t.Workload
}

// ApplyDeployment sets the container image with a strategic merge patch.
func (c *Client) ApplyDeployment(ctx context.Context, t domain.DeploymentTarget) error {
	if t.Namespace == "" || t.Workload == "" {
		return fmt.Errorf("%w: namespace and deployment name are required", domain.ErrRejected)
	}
	patch := map[string]any{
		"spec": map[string]any{
			"template": map[string]any{
				"spec": map[string]any{
					"containers": []container{{Name: containerName(t), Image: t.DesiredImage.Image()}},
				},
			},
		},
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPatch, deploymentPath(t), body, "application/strategic-merge-patch+json", nil)
}

func (c *Client) GetStatus(ctx context.Context, t domain.DeploymentTarget) (domain.ObservedState, error) {
	var d deploymentDTO
	if err := c.do(ctx, http.MethodGet, deploymentPath(t), nil, "", &d); err != nil {
		return domain.ObservedState{}, err
	}
	return toObserved(d, containerName(t)), nil
}

func toObserved(d deploymentDTO, name string) domain.ObservedState {
	desired := int32(1)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}
	obs := domain.ObservedState{
		Replicas:        desired,
		ReadyReplicas:   d.Status.ReadyReplicas,
		UpdatedReplicas: d.Status.UpdatedReplicas,
	}
	for _, ctr := range d.Spec.Template.Spec.Containers {
		if ctr.Name == name {
			obs.Image = ctr.Image
		}
	}

	rolledOut := d.Status.ObservedGeneration >= d.Metadata.Generation &&
		d.Status.UpdatedReplicas == desired &&
		d.Status.Replicas == desired &&
		d.Status.AvailableReplicas == desired
	obs.Converged = rolledOut

	for _, cond := range d.Status.Conditions {
		if cond.Type == "Progressing" && cond.Reason == "ProgressDeadlineExceeded" {
			obs.Converged = false
			obs.Reason = cond.Message
		}
	}
	if !obs.Converged && obs.Reason == "" {
		obs.Reason = fmt.Sprintf("%d/%d updated, %d available", d.Status.UpdatedReplicas, desired, d.Status.AvailableReplicas)
	}
	return obs
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
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
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		b, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(b, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode kubernetes response: %w", err))
			}
			return nil
		case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
			return backoff.Permanent(fmt.Errorf("%w: %w", domain.ErrRejected, &APIError{StatusCode: resp.StatusCode, Body: string(b)}))
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: %w", domain.ErrRejected, ErrNotFound))
		case resp.StatusCode == http.StatusUnauthorized:
			return backoff.Permanent(ErrUnauthorized)
		case resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(ErrForbidden)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 || resp.StatusCode == http.StatusConflict:
			return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		default:
			return backoff.Permanent(&APIError{StatusCode: resp.StatusCode, Body: string(b)})
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 300 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
