package model

import (
	"errors"
	"fmt"
	"strings"
)

// PoolConfig is the desired warm-standby state for one repository pool.
// It is supplied on every reconcile pass and never persisted.
type PoolConfig struct {
	RepoURL        string `json:"repoUrl" yaml:"repoUrl"`
	BaseBranch     string `json:"baseBranch" yaml:"baseBranch"`
	MinStandby     int    `json:"minStandby" yaml:"minStandby"`
	MaxInstances   int    `json:"maxInstances" yaml:"maxInstances"`
	IdleTTLSeconds int    `json:"idleTtlSeconds,omitempty" yaml:"idleTtlSeconds,omitempty"`
}

func (c PoolConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.RepoURL) == "" {
		errs = append(errs, errors.New("repoUrl is required"))
	}
	if strings.TrimSpace(c.BaseBranch) == "" {
		errs = append(errs, errors.New("baseBranch is required"))
	}
	if c.MinStandby < 0 {
		errs = append(errs, fmt.Errorf("minStandby must be >= 0, got %d", c.MinStandby))
	}
	if c.MaxInstances < 0 {
		errs = append(errs, fmt.Errorf("maxInstances must be >= 0, got %d", c.MaxInstances))
	}
	if c.MaxInstances > 0 && c.MaxInstances < c.MinStandby {
		errs = append(errs, fmt.Errorf("maxInstances (%d) must be >= minStandby (%d)", c.MaxInstances, c.MinStandby))
	}
	if c.IdleTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("idleTtlSeconds must be >= 0, got %d", c.IdleTTLSeconds))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid pool config for %s@%s: %w", c.RepoURL, c.BaseBranch, errors.Join(errs...))
	}
	return nil
}
