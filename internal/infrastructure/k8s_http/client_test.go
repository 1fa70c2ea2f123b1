package k8s_http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/davarch/ci-promoter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func target(t *testing.T) domain.DeploymentTarget {
	t.Helper()
	art, err := domain.NewArtifactReference("42", "registry.example.com/shop/api", "42")
	require.NoError(t, err)
	return domain.DeploymentTarget{
		Environment:  "test",
		Namespace:    "shop-test",
		Workload:     "api",
		DesiredImage: art,
	}
}

const deploymentJSON = `{
  "metadata": {"name": "api", "generation": 3},
  "spec": {"replicas": 2, "template": {"spec": {"containers": [{"name": "api", "image": "registry.example.com/shop/api:42"}]}}},
  "status": {"observedGeneration": 3, "replicas": 2, "updatedReplicas": 2, "readyReplicas": 2, "availableReplicas": 2}
}`

func TestClient_ApplyDeployment(t *testing.T) {
	t.Run("success - sends strategic merge patch", func(t *testing.T) {
		var gotBody map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPatch, r.Method)
			assert.Equal(t, "/apis/apps/v1/namespaces/shop-test/deployments/api", r.URL.Path)
			assert.Equal(t, "application/strategic-merge-patch+json", r.Header.Get("Content-Type"))
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			b, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(b, &gotBody))
			_, _ = w.Write([]byte(deploymentJSON))
		}))
		defer srv.Close()

		c := NewWithHTTPClient(srv.URL, "tok", srv.Client())
		require.NoError(t, c.ApplyDeployment(context.Background(), target(t)))

		containers := gotBody["spec"].(map[string]any)["template"].(map[string]any)["spec"].(map[string]any)["containers"].([]any)
		assert.Equal(t, "registry.example.com/shop/api:42", containers[0].(map[string]any)["image"])
		assert.Equal(t, "api", containers[0].(map[string]any)["name"])
	})

	t.Run("error - invalid manifest is rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"invalid image"}`))
		}))
		defer srv.Close()

		c := NewWithHTTPClient(srv.URL, "tok", srv.Client())
		err := c.ApplyDeployment(context.Background(), target(t))

		assert.ErrorIs(t, err, domain.ErrRejected)
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	})

	t.Run("success - retries transient server errors", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(deploymentJSON))
		}))
		defer srv.Close()

		c := NewWithHTTPClient(srv.URL, "tok", srv.Client())
		require.NoError(t, c.ApplyDeployment(context.Background(), target(t)))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("error - unauthorized is not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		c := NewWithHTTPClient(srv.URL, "tok", srv.Client())
		err := c.ApplyDeployment(context.Background(), target(t))

		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestClient_GetStatus(t *testing.T) {
	t.Run("success - rolled out deployment is converged", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			_, _ = w.Write([]byte(deploymentJSON))
		}))
		defer srv.Close()

		c := NewWithHTTPClient(srv.URL, "tok", srv.Client())
		obs, err := c.GetStatus(context.Background(), target(t))

		require.NoError(t, err)
		assert.True(t, obs.Converged)
		assert.Equal(t, "registry.example.com/shop/api:42", obs.Image)
		assert.Equal(t, int32(2), obs.Replicas)
		assert.Equal(t, int32(2), obs.ReadyReplicas)
	})

	t.Run("success - rollout in progress", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{
  "metadata": {"name": "api", "generation": 4},
  "spec": {"replicas": 2, "template": {"spec": {"containers": [{"name": "api", "image": "registry.example.com/shop/api:42"}]}}},
  "status": {"observedGeneration": 4, "replicas": 3, "updatedReplicas": 1, "readyReplicas": 2, "availableReplicas": 2}
}`))
		}))
		defer srv.Close()

		c := NewWithHTTPClient(srv.URL, "tok", srv.Client())
		obs, err := c.GetStatus(context.Background(), target(t))

		require.NoError(t, err)
		assert.False(t, obs.Converged)
		assert.Contains(t, obs.Reason, "1/2 updated")
	})

	t.Run("error - missing deployment", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		c := NewWithHTTPClient(srv.URL, "tok", srv.Client())
		_, err := c.GetStatus(context.Background(), target(t))

		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, err, domain.ErrRejected)
	})
}
