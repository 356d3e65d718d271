// Package config loads daemon settings from the environment and the desired
// pool state from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/fslongjin/agentboxd/pkg/model"
)

type KVBackend string

const (
	KVRedis  KVBackend = "redis"
	KVSQLite KVBackend = "sqlite"
	KVMemory KVBackend = "memory"
)

type Config struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	KV        KVBackend `env:"KV_BACKEND" envDefault:"sqlite"`
	RedisURL  string    `env:"REDIS_URL"`
	DataDir   string    `env:"DATA_DIR" envDefault:"./data"`
	KeyPrefix string    `env:"KEY_PREFIX" envDefault:"agentbox"`

	Kube Kube
	SSH  SSH

	RepoPath          string        `env:"BOX_REPO_PATH" envDefault:"/workspace/repo"`
	DefaultLeaseTTL   time.Duration `env:"DEFAULT_LEASE_TTL" envDefault:"30m"`
	PoolsPath         string        `env:"POOLS_PATH" envDefault:"./pools.yaml"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	PoolConcurrency   int           `env:"POOL_CONCURRENCY" envDefault:"4"`

	EnvEncryptionKey   string `env:"ENV_ENCRYPTION_KEY"`
	EnvEncryptionKeyID string `env:"ENV_ENCRYPTION_KEY_ID" envDefault:"v1"`

	Controller Controller
}

type Kube struct {
	Kubeconfig string `env:"KUBECONFIG"`
	Namespace  string `env:"BOX_NAMESPACE" envDefault:"agentboxd"`
	Image      string `env:"BOX_IMAGE" envDefault:"ghcr.io/fslongjin/agentbox:latest"`
	SSHPort    int    `env:"BOX_SSH_PORT" envDefault:"22"`
	CPU        string `env:"BOX_CPU" envDefault:"2"`
	Memory     string `env:"BOX_MEMORY" envDefault:"4Gi"`
}

type SSH struct {
	User           string        `env:"SSH_USER" envDefault:"agent"`
	KeyPath        string        `env:"SSH_KEY_PATH"`
	Password       string        `env:"SSH_PASSWORD"`
	KnownHostsPath string        `env:"SSH_KNOWN_HOSTS"`
	DialTimeout    time.Duration `env:"SSH_DIAL_TIMEOUT" envDefault:"15s"`
	CommandTimeout time.Duration `env:"SSH_COMMAND_TIMEOUT" envDefault:"30m"`
}

// Controller configures the single-host workspace controller. It is
// disabled when HostID is empty.
type Controller struct {
	HostID              string `env:"CONTROLLER_HOST_ID"`
	WorkspaceRoot       string `env:"CONTROLLER_WORKSPACE_ROOT" envDefault:"/home/agent/workspaces"`
	AllowEmptyWorkspace bool   `env:"CONTROLLER_ALLOW_EMPTY_WORKSPACE"`
}

func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	switch c.KV {
	case KVRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis backend"))
		}
	case KVSQLite, KVMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown KV_BACKEND %q", c.KV))
	}
	if c.DefaultLeaseTTL <= 0 {
		errs = append(errs, errors.New("DEFAULT_LEASE_TTL must be positive"))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must be positive"))
	}
	if c.PoolConcurrency <= 0 {
		errs = append(errs, errors.New("POOL_CONCURRENCY must be positive"))
	}
	return errors.Join(errs...)
}

type poolFile struct {
	Pools []model.PoolConfig `yaml:"pools"`
}

// LoadPools reads and validates the desired pool state. A missing file means
// no pools.
func LoadPools(path string) ([]model.PoolConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pool config %s: %w", path, err)
	}
	return ParsePools(data)
}

func ParsePools(data []byte) ([]model.PoolConfig, error) {
	var f poolFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}
	seen := make(map[string]bool, len(f.Pools))
	var errs []error
	for _, p := range f.Pools {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		key := p.RepoURL + "#" + p.BaseBranch
		if seen[key] {
			errs = append(errs, fmt.Errorf("duplicate pool %s@%s", p.RepoURL, p.BaseBranch))
		}
		seen[key] = true
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return f.Pools, nil
}
