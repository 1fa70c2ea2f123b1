package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	GateHealth     = "health"
	GateQuality    = "quality"
	GateAcceptance = "acceptance"

	BackendKubernetes = "kubernetes"
	BackendArgoCD     = "argocd"
)

type Project struct {
	ProjectID int64  `yaml:"project_id" json:"project_id"`
	Ref       string `yaml:"ref" json:"ref"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Name      string `yaml:"name,omitempty" json:"name,omitempty"`
}

type Environment struct {
	Name    string `yaml:"name"`
	Backend string `yaml:"backend"`
	// Kubernetes Deployment coordinates.
	Namespace  string `yaml:"namespace,omitempty"`
	Deployment string `yaml:"deployment,omitempty"`
	Container  string `yaml:"container,omitempty"`
	// ArgoCD application name.
	App          string        `yaml:"app,omitempty"`
	URL          string        `yaml:"url,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	MinHealthy   float64       `yaml:"min_healthy,omitempty"`
}

type Gate struct {
	Name       string        `yaml:"name" json:"name"`
	Kind       string        `yaml:"kind" json:"kind"`
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	Required   bool          `yaml:"required" json:"required"`
	Timeout    time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	URL        string        `yaml:"url,omitempty" json:"url,omitempty"`
	Attempts   int           `yaml:"attempts,omitempty" json:"attempts,omitempty"`
	Interval   time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Backoff    string        `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	ProjectKey string        `yaml:"project_key,omitempty" json:"project_key,omitempty"`
	Command    []string      `yaml:"command,omitempty" json:"command,omitempty"`
	Dir        string        `yaml:"dir,omitempty" json:"dir,omitempty"`
}

type Config struct {
	Pipeline struct {
		ImageRepository string `yaml:"image_repository"`
		Source          string `yaml:"source"`
		TestEnvironment string `yaml:"test_environment"`
		ProdEnvironment string `yaml:"prod_environment"`
		RequireNewer    bool   `yaml:"require_newer"`
		GateParallelism int    `yaml:"gate_parallelism"`
	} `yaml:"pipeline"`

	Build struct {
		Dir            string   `yaml:"dir"`
		Env            []string `yaml:"env,omitempty"`
		Package        []string `yaml:"package"`
		UnitTests      []string `yaml:"unit_tests,omitempty"`
		UnitTestPolicy string   `yaml:"unit_test_policy"`
		Image          []string `yaml:"image"`
		Push           []string `yaml:"push"`
	} `yaml:"build"`

	Environments []Environment `yaml:"environments"`
	Gates        []Gate        `yaml:"gates"`

	Kubernetes struct {
		BaseURL   string        `yaml:"base_url"`
		Token     string        `yaml:"token,omitempty"`
		TokenFile string        `yaml:"token_file,omitempty"`
		CAFile    string        `yaml:"ca_file,omitempty"`
		Insecure  bool          `yaml:"insecure,omitempty"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"kubernetes"`

	ArgoCD struct {
		BaseURL  string        `yaml:"base_url"`
		Token    string        `yaml:"token,omitempty"`
		Insecure bool          `yaml:"insecure,omitempty"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"argocd"`

	Sonar struct {
		BaseURL      string        `yaml:"base_url"`
		Token        string        `yaml:"token,omitempty"`
		PollInterval time.Duration `yaml:"poll_interval"`
		Timeout      time.Duration `yaml:"timeout"`
	} `yaml:"sonar"`

	GitOps struct {
		Dir         string `yaml:"dir"`
		Remote      string `yaml:"remote"`
		Branch      string `yaml:"branch"`
		ValuesPath  string `yaml:"values_path"`
		AuthorName  string `yaml:"author_name"`
		AuthorEmail string `yaml:"author_email"`
	} `yaml:"gitops"`

	Store struct {
		Path      string        `yaml:"path"`
		Retention time.Duration `yaml:"retention"`
	} `yaml:"store"`

	Archive struct {
		Enabled   bool   `yaml:"enabled"`
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key,omitempty"`
		SecretKey string `yaml:"secret_key,omitempty"`
		Region    string `yaml:"region"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"archive"`

	Lock struct {
		Dir string `yaml:"dir"`
	} `yaml:"lock"`

	Cache struct {
		Path string `yaml:"path"`
	} `yaml:"cache"`

	Notify struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"notify"`

	GitLab struct {
		BaseURL string        `yaml:"base_url"`
		Token   string        `yaml:"token,omitempty"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"gitlab"`

	Watch struct {
		Interval    time.Duration `yaml:"interval"`
		Projects    []Project     `yaml:"projects"`
		PauseFile   string        `yaml:"pause_file"`
		SkipInitial bool          `yaml:"skip_initial"`
	} `yaml:"watch"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
}

func defaults() Config {
	var c Config
	c.Pipeline.Source = "."
	c.Pipeline.TestEnvironment = "test"
	c.Pipeline.ProdEnvironment = "prod"
	c.Build.Dir = "."
	c.Build.Package = []string{"mvn", "-B", "package", "-DskipTests"}
	c.Build.UnitTests = []string{"mvn", "-B", "test"}
	c.Build.UnitTestPolicy = "advisory"
	c.Build.Image = []string{"docker", "build", "-t", "{{image}}", "."}
	c.Build.Push = []string{"docker", "push", "{{image}}"}
	c.Kubernetes.BaseURL = "https://kubernetes.default.svc"
	c.Kubernetes.Timeout = 15 * time.Second
	c.ArgoCD.Timeout = 15 * time.Second
	c.Sonar.PollInterval = 5 * time.Second
	c.Sonar.Timeout = 10 * time.Second
	c.GitOps.Remote = "origin"
	c.GitOps.Branch = "main"
	c.GitOps.ValuesPath = "values-prod.yaml"
	c.GitOps.AuthorName = "ci-promoter"
	c.GitOps.AuthorEmail = "ci-promoter@localhost"
	c.Store.Path = expandHome("~/.local/share/ci-promoter/runs.db")
	c.Store.Retention = 30 * 24 * time.Hour
	c.Archive.Region = "us-east-1"
	c.Archive.Bucket = "pipeline-runs"
	c.Lock.Dir = expandHome("~/.local/share/ci-promoter/locks")
	c.Cache.Path = expandHome("~/.cache/ci_promoter_status.json")
	c.GitLab.BaseURL = "https://gitlab.com"
	c.GitLab.Timeout = 10 * time.Second
	c.Watch.Interval = time.Minute
	c.Server.Addr = ":8080"
	return c
}

// Load reads path (a missing file is not an error), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	c := defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, fmt.Errorf("parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return c, err
		}
	}

	applyEnv(&c)

	c.Store.Path = expandHome(c.Store.Path)
	c.Lock.Dir = expandHome(c.Lock.Dir)
	c.Cache.Path = expandHome(c.Cache.Path)
	c.GitOps.Dir = expandHome(c.GitOps.Dir)
	if c.Watch.PauseFile == "" {
		c.Watch.PauseFile = expandHome("~/.cache/ci_promoter_paused")
	}
	if c.Watch.Interval <= 0 {
		c.Watch.Interval = time.Minute
	}
	if c.GitLab.Timeout <= 0 {
		c.GitLab.Timeout = 10 * time.Second
	}

	return c, c.Validate()
}

func applyEnv(c *Config) {
	setString(&c.Pipeline.ImageRepository, "PROMOTER_IMAGE_REPOSITORY")
	setString(&c.Kubernetes.BaseURL, "KUBE_API_URL")
	setString(&c.Kubernetes.Token, "KUBE_TOKEN")
	setString(&c.ArgoCD.BaseURL, "ARGOCD_SERVER")
	setString(&c.ArgoCD.Token, "ARGOCD_TOKEN")
	setString(&c.Sonar.BaseURL, "SONAR_HOST_URL")
	setString(&c.Sonar.Token, "SONAR_TOKEN")
	setString(&c.GitOps.Dir, "PROMOTER_GITOPS_DIR")
	setString(&c.Store.Path, "PROMOTER_STORE_PATH")
	setString(&c.Archive.AccessKey, "MINIO_ACCESS_KEY")
	setString(&c.Archive.SecretKey, "MINIO_SECRET_KEY")
	setString(&c.Cache.Path, "CACHE_PATH")
	setString(&c.GitLab.BaseURL, "GITLAB_BASE_URL")
	setString(&c.GitLab.Token, "GITLAB_TOKEN")
	setString(&c.Server.Addr, "PROMOTER_ADDR")

	if v := os.Getenv("INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Watch.Interval = d
		}
	}
	if v := os.Getenv("UNIT_TEST_POLICY"); v != "" {
		c.Build.UnitTestPolicy = v
	}

	if s := os.Getenv("GITLAB_PROJECTS"); s != "" {
		var ps []Project
		for _, item := range strings.Split(s, ",") {
			parts := strings.SplitN(strings.TrimSpace(item), ":", 2)
			if len(parts) != 2 {
				continue
			}
			id, err := strconv.ParseInt(parts[0], 10, 64)
			if err != nil {
				continue
			}
			ps = append(ps, Project{ProjectID: id, Ref: parts[1], Enabled: true})
		}
		if len(ps) > 0 {
			c.Watch.Projects = ps
		}
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Pipeline.ImageRepository == "" {
		errs = append(errs, errors.New("pipeline.image_repository is required"))
	}
	test, okTest := c.Environment(c.Pipeline.TestEnvironment)
	if !okTest {
		errs = append(errs, fmt.Errorf("test environment %q is not declared", c.Pipeline.TestEnvironment))
	}
	prod, okProd := c.Environment(c.Pipeline.ProdEnvironment)
	if !okProd {
		errs = append(errs, fmt.Errorf("prod environment %q is not declared", c.Pipeline.ProdEnvironment))
	}
	if okTest && okProd && test.Name == prod.Name {
		errs = append(errs, errors.New("test and prod environments must differ"))
	}
	for _, e := range c.Environments {
		switch e.Backend {
		case BackendKubernetes:
			if e.Namespace == "" || e.Deployment == "" {
				errs = append(errs, fmt.Errorf("environment %s: namespace and deployment are required", e.Name))
			}
		case BackendArgoCD:
			if e.App == "" {
				errs = append(errs, fmt.Errorf("environment %s: app is required", e.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("environment %s: unknown backend %q", e.Name, e.Backend))
		}
	}
	seen := map[string]bool{}
	for _, g := range c.Gates {
		if g.Name == "" {
			errs = append(errs, errors.New("gate name is required"))
			continue
		}
		if seen[g.Name] {
			errs = append(errs, fmt.Errorf("gate %s declared twice", g.Name))
		}
		seen[g.Name] = true
		switch g.Kind {
		case GateHealth, GateQuality, GateAcceptance:
		default:
			errs = append(errs, fmt.Errorf("gate %s: unknown kind %q", g.Name, g.Kind))
		}
		if g.Kind == GateAcceptance && len(g.Command) == 0 {
			errs = append(errs, fmt.Errorf("gate %s: command is required", g.Name))
		}
	}
	switch c.Build.UnitTestPolicy {
	case "advisory", "fatal":
	default:
		errs = append(errs, fmt.Errorf("build.unit_test_policy must be advisory or fatal, got %q", c.Build.UnitTestPolicy))
	}
	if c.GitOps.Dir == "" {
		errs = append(errs, errors.New("gitops.dir is required"))
	}
	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		errs = append(errs, errors.New("archive.endpoint and archive.bucket are required when archiving"))
	}
	return errors.Join(errs...)
}

func (c Config) Environment(name string) (Environment, bool) {
	for _, e := range c.Environments {
		if e.Name == name {
			return e, true
		}
	}
	return Environment{}, false
}

// SetGateEnabled toggles a gate by name and reports whether anything
// changed.
func (c *Config) SetGateEnabled(name string, enabled bool) bool {
	changed := false
	for i := range c.Gates {
		if c.Gates[i].Name == name && c.Gates[i].Enabled != enabled {
			c.Gates[i].Enabled = enabled
			changed = true
		}
	}
	return changed
}

// Save writes c to path under an exclusive lock, through a temp file that
// is renamed into place.
func Save(path string, c Config) error {
	if path == "" {
		return errors.New("empty config path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	lf, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = lf.Close() }()

	if runtime.GOOS != "windows" {
		if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
			return err
		}
		defer func() { _ = syscall.Flock(int(lf.Fd()), syscall.LOCK_UN) }()
	}

	b, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, b, 0o644)
}

// WriteFileAtomic replaces path with data so readers see either the old or
// the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if h, _ := os.UserHomeDir(); h != "" {
			return h + p[1:]
		}
	}
	return p
}
