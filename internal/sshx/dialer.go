package sshx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fslongjin/agentboxd/internal/vm"
	"github.com/fslongjin/agentboxd/pkg/model"
)

// Executor is an open command channel to one box.
type Executor interface {
	Exec(ctx context.Context, command string, opts ExecOptions) (Result, error)
	Close() error
}

// Dialer opens an Executor for a box network address.
type Dialer interface {
	Dial(ctx context.Context, network model.Network) (Executor, error)
}

type SSHDialer struct {
	Credentials    Credentials
	DefaultPort    int
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

func (d *SSHDialer) Dial(ctx context.Context, network model.Network) (Executor, error) {
	port := network.SSHPort
	if port == 0 {
		port = d.DefaultPort
	}
	if port == 0 {
		port = 22
	}
	if network.PublicIP == "" {
		return nil, errors.New("box has no address")
	}
	return Dial(ctx, Target{Host: network.PublicIP, Port: port}, d.Credentials, d.DialTimeout, d.CommandTimeout)
}

// AddressResolver looks up where a host is reachable. vm.Manager satisfies it.
type AddressResolver interface {
	GetIP(ctx context.Context, id string) (model.Network, error)
}

// HostRunner runs scripts on hosts over SSH, one connection per script.
type HostRunner struct {
	Resolver AddressResolver
	Dialer   Dialer
	now      func() time.Time
}

var _ vm.CommandRunner = (*HostRunner)(nil)

func NewHostRunner(resolver AddressResolver, dialer Dialer) *HostRunner {
	return &HostRunner{Resolver: resolver, Dialer: dialer, now: time.Now}
}

func (r *HostRunner) RunCommand(ctx context.Context, hostID string, script []string) (*vm.CommandResult, error) {
	network, err := r.Resolver.GetIP(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("resolve host %s: %w", hostID, err)
	}
	exec, err := r.Dialer.Dial(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("connect host %s: %w", hostID, err)
	}
	defer exec.Close()

	started := r.now()
	res, err := exec.Exec(ctx, strings.Join(script, "\n"), ExecOptions{})
	if err != nil {
		return nil, fmt.Errorf("run script on host %s: %w", hostID, err)
	}
	return &vm.CommandResult{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		StartedAt:  started,
		FinishedAt: r.now(),
	}, nil
}
