// Package jobspec parses and validates the declarative runtime description
// of a workspace: which Node and pnpm versions to pin, extra environment,
// and setup commands to run after the toolchain is in place.
package jobspec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidJobSpec = errors.New("invalid job spec")
	ErrInvalidEnv     = errors.New("invalid env")
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Runtime struct {
	Node string `json:"node" yaml:"node"`
	Pnpm string `json:"pnpm,omitempty" yaml:"pnpm,omitempty"`
}

type Spec struct {
	Runtime       Runtime           `json:"runtime" yaml:"runtime"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	SetupCommands []string          `json:"setupCommands,omitempty" yaml:"setupCommands,omitempty"`
}

// Parse accepts either JSON or YAML. Input starting with '{' is treated as JSON.
func Parse(data []byte) (*Spec, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return ParseJSON(trimmed)
	}
	return ParseYAML(trimmed)
}

func ParseJSON(data []byte) (*Spec, error) {
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJobSpec, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

func ParseYAML(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJobSpec, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate reports every problem at once, joined, each wrapping ErrInvalidJobSpec.
func (s *Spec) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Runtime.Node) == "" {
		errs = append(errs, fmt.Errorf("%w: runtime.node is required", ErrInvalidJobSpec))
	}
	if err := ValidateEnvKeys(s.Env); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidJobSpec, err))
	}
	for i, cmd := range s.SetupCommands {
		if strings.TrimSpace(cmd) == "" {
			errs = append(errs, fmt.Errorf("%w: setupCommands[%d] is empty", ErrInvalidJobSpec, i))
		}
	}
	return errors.Join(errs...)
}

// ValidateEnvKeys checks that every key is usable as a shell variable name.
func ValidateEnvKeys(env map[string]string) error {
	var bad []string
	for k := range env {
		if !envKeyPattern.MatchString(k) {
			bad = append(bad, k)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return fmt.Errorf("%w: bad keys %q", ErrInvalidEnv, bad)
}

// JSON is the form written to .agent/jobspec.json on the host.
func (s *Spec) JSON() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job spec: %w", err)
	}
	return data, nil
}
