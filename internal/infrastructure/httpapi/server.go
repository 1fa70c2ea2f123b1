package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/davarch/ci-promoter/internal/application"
	"github.com/davarch/ci-promoter/internal/domain"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RunService is the part of the promotion controller the API exposes.
type RunService interface {
	Start(ctx context.Context, src domain.SourceRef, cfg application.PipelineConfig) string
	StartResume(ctx context.Context, runID string, cfg application.PipelineConfig) (string, error)
	Cancel(runID string) error
	GetRunStatus(ctx context.Context, runID string) (domain.PipelineRun, error)
	ListRuns(ctx context.Context, limit int) ([]domain.PipelineRun, error)
}

func NewServer(log *zap.Logger, svc RunService, cfg application.PipelineConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			log.Info("http request", fields...)
			return nil
		},
	}))
	e.Use(middleware.RateLimiterWithConfig(rateLimiterConfig()))
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	SetupRunRoutes(e.Group(""), svc, cfg)
	return e
}

// rateLimiterConfig limits each client address to 10 requests per second
// with bursts of 30.
func rateLimiterConfig() middleware.RateLimiterConfig {
	return middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool { return c.Path() == "/healthz" },
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(10),
			Burst:     30,
			ExpiresIn: 3 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusForbidden, "unable to identify client")
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	}
}
