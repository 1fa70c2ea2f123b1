package argocd_http

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davarch/ci-promoter/internal/domain"
)

// ClusterBackend exposes an ArgoCD application as a deployment target. The
// desired image is already recorded in Git by the time Apply runs, so Apply
// only triggers a sync. Target.Workload names the application.
type ClusterBackend struct {
	engine interface {
		domain.PromotionEngine
		Application(ctx context.Context, app string) (domain.AppStatus, error)
	}
}

func NewClusterBackend(c *Client) *ClusterBackend {
	return &ClusterBackend{engine: c}
}

func (b *ClusterBackend) ApplyDeployment(ctx context.Context, t domain.DeploymentTarget) error {
	ok, err := b.engine.Sync(ctx, t.Workload)
	if err != nil && !ok {
		if isClientError(err) {
			return fmt.Errorf("%w: sync %s: %w", domain.ErrRejected, t.Workload, err)
		}
		return fmt.Errorf("sync %s: %w", t.Workload, err)
	}
	if !ok {
		return fmt.Errorf("%w: sync %s refused", domain.ErrRejected, t.Workload)
	}
	return nil
}

func (b *ClusterBackend) GetStatus(ctx context.Context, t domain.DeploymentTarget) (domain.ObservedState, error) {
	st, err := b.engine.Application(ctx, t.Workload)
	if err != nil {
		return domain.ObservedState{}, err
	}
	return observed(st, t), nil
}

// AwaitConverged waits in WaitHealthy for the application to become Healthy
// and Synced. On timeout the last status is returned with the error.
func (b *ClusterBackend) AwaitConverged(ctx context.Context, t domain.DeploymentTarget, timeout time.Duration) (domain.ObservedState, error) {
	st, err := b.engine.WaitHealthy(ctx, t.Workload, timeout)
	if st.Name == "" && err != nil {
		return domain.ObservedState{}, err
	}
	return observed(st, t), err
}

func observed(st domain.AppStatus, t domain.DeploymentTarget) domain.ObservedState {
	obs := domain.ObservedState{
		Image:     pickImage(st.Images, t.DesiredImage.Repository()),
		Converged: st.Healthy(),
		Reason:    fmt.Sprintf("health=%s sync=%s", st.Health, st.Sync),
	}
	if st.Message != "" {
		obs.Reason += ": " + st.Message
	}
	return obs
}

func pickImage(images []string, repository string) string {
	for _, img := range images {
		if strings.HasPrefix(img, repository+":") {
			return img
		}
	}
	if len(images) > 0 {
		return images[0]
	}
	return ""
}

func isClientError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}
