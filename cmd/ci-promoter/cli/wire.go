package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/davarch/ci-promoter/internal/application"
	"github.com/davarch/ci-promoter/internal/domain"
	"github.com/davarch/ci-promoter/internal/infrastructure/archive_minio"
	"github.com/davarch/ci-promoter/internal/infrastructure/argocd_http"
	"github.com/davarch/ci-promoter/internal/infrastructure/cache_fs"
	"github.com/davarch/ci-promoter/internal/infrastructure/config"
	"github.com/davarch/ci-promoter/internal/infrastructure/gitops_git"
	"github.com/davarch/ci-promoter/internal/infrastructure/k8s_http"
	"github.com/davarch/ci-promoter/internal/infrastructure/lock_fs"
	"github.com/davarch/ci-promoter/internal/infrastructure/notify_libnotify"
	"github.com/davarch/ci-promoter/internal/infrastructure/probe_http"
	"github.com/davarch/ci-promoter/internal/infrastructure/shell_exec"
	"github.com/davarch/ci-promoter/internal/infrastructure/sonar_http"
	"github.com/davarch/ci-promoter/internal/infrastructure/store_sqlite"
	"go.uber.org/zap"
)

// app holds the wired controller and the resources that must be closed
// when the command exits.
type app struct {
	cfg        config.Config
	pipeline   application.PipelineConfig
	controller *application.PromotionController
	store      *store_sqlite.RunSQLiteStore
	archiver   *archive_minio.Archiver
	db         *sql.DB
}

func (a *app) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func pipelineConfig(cfg config.Config) application.PipelineConfig {
	return application.PipelineConfig{
		ImageRepository: cfg.Pipeline.ImageRepository,
		TestEnvironment: cfg.Pipeline.TestEnvironment,
		ProdEnvironment: cfg.Pipeline.ProdEnvironment,
		ValuesPath:      cfg.GitOps.ValuesPath,
		UnitTestPolicy:  application.UnitTestPolicy(cfg.Build.UnitTestPolicy),
		RequireNewer:    cfg.Pipeline.RequireNewer,
		GateParallelism: cfg.Pipeline.GateParallelism,
	}
}

func buildApp(ctx context.Context, log *zap.Logger, cfg config.Config) (*app, error) {
	runner := shell_exec.New()

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("store dir: %w", err)
	}
	db, err := store_sqlite.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, pipeline: pipelineConfig(cfg), db: db, store: store_sqlite.NewRunSQLiteStore(db)}

	backends, err := buildBackends(cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	driver, err := application.NewDeploymentDriver(log, buildTargets(cfg), backends)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	builder := shell_exec.NewBuilder(runner, shell_exec.BuildCommands{
		Dir:       cfg.Build.Dir,
		Env:       cfg.Build.Env,
		Package:   cfg.Build.Package,
		UnitTests: cfg.Build.UnitTests,
		Image:     cfg.Build.Image,
		Push:      cfg.Build.Push,
	})

	locker := application.CompositeLocker{application.NewMemoryLocker()}
	if cfg.Lock.Dir != "" {
		locker = append(locker, lock_fs.New(cfg.Lock.Dir))
	}

	collab := application.Collaborators{
		Builder:  builder,
		Registry: builder,
		Driver:   driver,
		Gates:    buildGates(cfg, runner),
		GitOps: gitops_git.New(log, runner, gitops_git.Options{
			Dir:         cfg.GitOps.Dir,
			Remote:      cfg.GitOps.Remote,
			Branch:      cfg.GitOps.Branch,
			AuthorName:  cfg.GitOps.AuthorName,
			AuthorEmail: cfg.GitOps.AuthorEmail,
		}),
		Locker: locker,
		Store:  a.store,
		Cache:  cache_fs.New(cfg.Cache.Path),
	}
	if cfg.Notify.Enabled {
		collab.Notifier = notify_libnotify.NewSoft(runner, notify_libnotify.Options{})
	}
	if cfg.Archive.Enabled {
		arc, err := archive_minio.New(archive_minio.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Region:    cfg.Archive.Region,
			Bucket:    cfg.Archive.Bucket,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("archive: %w", err)
		}
		if err := arc.EnsureBucket(ctx); err != nil {
			log.Warn("archive bucket unavailable", zap.String("bucket", cfg.Archive.Bucket), zap.Error(err))
		}
		a.archiver = arc
		collab.Archiver = arc
	}

	pc, err := application.NewPromotionController(log, collab)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.controller = pc
	return a, nil
}

func buildTargets(cfg config.Config) []domain.DeploymentTarget {
	out := make([]domain.DeploymentTarget, 0, len(cfg.Environments))
	for _, e := range cfg.Environments {
		t := domain.DeploymentTarget{
			Environment: e.Name,
			Namespace:   e.Namespace,
			Workload:    e.Deployment,
			Container:   e.Container,
			URL:         e.URL,
			Readiness: domain.ReadinessPolicy{
				Timeout:      e.Timeout,
				PollInterval: e.PollInterval,
				MinHealthy:   e.MinHealthy,
			},
		}
		if e.Backend == config.BackendArgoCD {
			t.Workload = e.App
		}
		out = append(out, t)
	}
	return out
}

// buildBackends creates one API client per backend kind and shares it
// between the environments that use it.
func buildBackends(cfg config.Config) (map[string]domain.ClusterBackend, error) {
	var (
		kube *k8s_http.Client
		argo *argocd_http.ClusterBackend
	)
	out := make(map[string]domain.ClusterBackend, len(cfg.Environments))
	for _, e := range cfg.Environments {
		switch e.Backend {
		case config.BackendKubernetes:
			if kube == nil {
				c, err := k8s_http.New(k8s_http.Options{
					BaseURL:   cfg.Kubernetes.BaseURL,
					Token:     cfg.Kubernetes.Token,
					TokenFile: cfg.Kubernetes.TokenFile,
					CAFile:    cfg.Kubernetes.CAFile,
					Insecure:  cfg.Kubernetes.Insecure,
					Timeout:   cfg.Kubernetes.Timeout,
				})
				if err != nil {
					return nil, err
				}
				kube = c
			}
			out[e.Name] = kube
		case config.BackendArgoCD:
			if argo == nil {
				if cfg.ArgoCD.BaseURL == "" {
					return nil, fmt.Errorf("environment %s: argocd.base_url is required", e.Name)
				}
				argo = argocd_http.NewClusterBackend(
					argocd_http.New(cfg.ArgoCD.BaseURL, cfg.ArgoCD.Token, cfg.ArgoCD.Insecure, cfg.ArgoCD.Timeout),
				)
			}
			out[e.Name] = argo
		default:
			return nil, fmt.Errorf("environment %s: unknown backend %q", e.Name, e.Backend)
		}
	}
	return out, nil
}

// buildGates returns the enabled gates in declaration order.
func buildGates(cfg config.Config, runner domain.CommandRunner) []domain.GateEvaluator {
	var out []domain.GateEvaluator
	for _, g := range cfg.Gates {
		if !g.Enabled {
			continue
		}
		switch g.Kind {
		case config.GateHealth:
			out = append(out, application.NewHealthCheckGate(application.HealthCheckConfig{
				Name:        g.Name,
				URL:         g.URL,
				Attempts:    g.Attempts,
				Interval:    g.Interval,
				Exponential: strings.EqualFold(g.Backoff, "exponential"),
				Timeout:     g.Timeout,
				Required:    g.Required,
			}, probe_http.New(0)))
		case config.GateQuality:
			sonar := sonar_http.New(sonar_http.Options{
				BaseURL:      cfg.Sonar.BaseURL,
				Token:        cfg.Sonar.Token,
				ProjectKey:   g.ProjectKey,
				PollInterval: cfg.Sonar.PollInterval,
				Timeout:      cfg.Sonar.Timeout,
				Scanner:      g.Command,
				Dir:          g.Dir,
			}, runner)
			out = append(out, application.NewQualityGate(application.QualityGateConfig{
				Name:     g.Name,
				Timeout:  g.Timeout,
				Required: g.Required,
			}, sonar))
		case config.GateAcceptance:
			out = append(out, application.NewAcceptanceTestGate(application.AcceptanceTestConfig{
				Name:     g.Name,
				Command:  g.Command,
				Dir:      g.Dir,
				Timeout:  g.Timeout,
				Required: g.Required,
			}, runner))
		}
	}
	return out
}
