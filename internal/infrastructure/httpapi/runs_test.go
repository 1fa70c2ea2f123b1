package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/davarch/ci-promoter/internal/application"
	"github.com/davarch/ci-promoter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockRunService struct {
	mock.Mock
}

func (m *mockRunService) Start(ctx context.Context, src domain.SourceRef, cfg application.PipelineConfig) string {
	args := m.Called(ctx, src, cfg)
	return args.String(0)
}

func (m *mockRunService) StartResume(ctx context.Context, runID string, cfg application.PipelineConfig) (string, error) {
	args := m.Called(ctx, runID, cfg)
	return args.String(0), args.Error(1)
}

func (m *mockRunService) Cancel(runID string) error {
	return m.Called(runID).Error(0)
}

func (m *mockRunService) GetRunStatus(ctx context.Context, runID string) (domain.PipelineRun, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(domain.PipelineRun), args.Error(1)
}

func (m *mockRunService) ListRuns(ctx context.Context, limit int) ([]domain.PipelineRun, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]domain.PipelineRun), args.Error(1)
}

var testCfg = application.PipelineConfig{
	ImageRepository: "registry.example.com/shop/api",
	TestEnvironment: "test",
	ProdEnvironment: "prod",
	ValuesPath:      "values-prod.yaml",
}

func serve(svc RunService, method, target, body string) *httptest.ResponseRecorder {
	e := NewServer(zap.NewNop(), svc, testCfg)
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRunHandler_PostRun(t *testing.T) {
	t.Run("success - run is started", func(t *testing.T) {
		// arrange
		svc := new(mockRunService)
		src := domain.SourceRef{BuildNumber: "42", Revision: "abc"}
		svc.On("Start", mock.Anything, src, testCfg).Return("run-1")

		// act
		rec := serve(svc, http.MethodPost, "/runs", `{"build_number":"42","revision":"abc"}`)

		// assert
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.JSONEq(t, `{"run_id":"run-1"}`, rec.Body.String())
		svc.AssertExpectations(t)
	})
	t.Run("failure - build number with leading zero", func(t *testing.T) {
		// arrange
		svc := new(mockRunService)

		// act
		rec := serve(svc, http.MethodPost, "/runs", `{"build_number":"042"}`)

		// assert
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		svc.AssertNotCalled(t, "Start", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestRunHandler_GetRun(t *testing.T) {
	t.Run("success - run is returned", func(t *testing.T) {
		// arrange
		svc := new(mockRunService)
		run := domain.NewPipelineRun("run-1", domain.SourceRef{BuildNumber: "42"}, time.Now().UTC())
		svc.On("GetRunStatus", mock.Anything, "run-1").Return(run, nil)

		// act
		rec := serve(svc, http.MethodGet, "/runs/run-1", "")

		// assert
		require.Equal(t, http.StatusOK, rec.Code)
		var got domain.PipelineRun
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "run-1", got.ID)
		assert.Equal(t, domain.StatePending, got.State)
	})
	t.Run("failure - unknown run", func(t *testing.T) {
		// arrange
		svc := new(mockRunService)
		svc.On("GetRunStatus", mock.Anything, "nope").Return(domain.PipelineRun{}, domain.ErrRunNotFound)

		// act
		rec := serve(svc, http.MethodGet, "/runs/nope", "")

		// assert
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRunHandler_GetRuns(t *testing.T) {
	t.Run("success - default limit", func(t *testing.T) {
		// arrange
		svc := new(mockRunService)
		svc.On("ListRuns", mock.Anything, 20).Return([]domain.PipelineRun{}, nil)

		// act
		rec := serve(svc, http.MethodGet, "/runs?limit=0", "")

		// assert
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
		svc.AssertExpectations(t)
	})
}

func TestRunHandler_PostCancel(t *testing.T) {
	t.Run("success - run is cancelled", func(t *testing.T) {
		// arrange
		svc := new(mockRunService)
		svc.On("Cancel", "run-1").Return(nil)

		// act
		rec := serve(svc, http.MethodPost, "/runs/run-1/cancel", "")

		// assert
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
	t.Run("failure - run already finished", func(t *testing.T) {
		// arrange
		svc := new(mockRunService)
		svc.On("Cancel", "run-1").Return(errors.New("run run-1 already converged"))

		// act
		rec := serve(svc, http.MethodPost, "/runs/run-1/cancel", "")

		// assert
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestRunHandler_PostResume(t *testing.T) {
	t.Run("success - resumed run is started", func(t *testing.T) {
		// arrange
		svc := new(mockRunService)
		svc.On("StartResume", mock.Anything, "run-1", testCfg).Return("run-2", nil)

		// act
		rec := serve(svc, http.MethodPost, "/runs/run-1/resume", "")

		// assert
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.JSONEq(t, `{"run_id":"run-2"}`, rec.Body.String())
	})
	t.Run("failure - run is not resumable", func(t *testing.T) {
		// arrange
		svc := new(mockRunService)
		svc.On("StartResume", mock.Anything, "run-1", testCfg).
			Return("", &domain.ValidationError{Field: "run", Value: "run-1", Reason: "only runs that failed while promoting can be resumed"})

		// act
		rec := serve(svc, http.MethodPost, "/runs/run-1/resume", "")

		// assert
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "failed while promoting")
	})
}

func TestServer_Healthz(t *testing.T) {
	rec := serve(new(mockRunService), http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
