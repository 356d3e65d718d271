package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/fslongjin/agentboxd/internal/config"
	"github.com/fslongjin/agentboxd/internal/handler"
	"github.com/fslongjin/agentboxd/internal/k8s"
	"github.com/fslongjin/agentboxd/internal/kv"
	"github.com/fslongjin/agentboxd/internal/lifecycle"
	"github.com/fslongjin/agentboxd/internal/logx"
	"github.com/fslongjin/agentboxd/internal/provision"
	"github.com/fslongjin/agentboxd/internal/security"
	"github.com/fslongjin/agentboxd/internal/service"
	"github.com/fslongjin/agentboxd/internal/sshx"
	"github.com/fslongjin/agentboxd/internal/store"
)

var poolsPath string

var rootCmd = &cobra.Command{
	Use:          "agentboxd",
	Short:        "Warm-pool controller for code agent boxes",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&poolsPath, "pools", "", "Pool config file (YAML); overrides POOLS_PATH")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	logger, closeLogger, err := logx.Init("agentboxd")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err := closeLogger(); err != nil {
			slog.Error("failed to close logger", "error", err)
		}
	}()

	stdLog := slog.NewLogLogger(logger.Handler(), slog.LevelInfo)
	log.SetFlags(0)
	log.SetOutput(stdLog.Writer())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if poolsPath != "" {
		cfg.PoolsPath = poolsPath
	}
	pools, err := config.LoadPools(cfg.PoolsPath)
	if err != nil {
		return err
	}
	slog.Info("pool config loaded", "component", "config", "path", cfg.PoolsPath, "pools", len(pools))

	ctx := context.Background()
	kvClient, err := openKV(ctx, cfg)
	if err != nil {
		return err
	}
	defer kvClient.Close()

	boxStore := store.NewBoxStore(kvClient, store.WithKeyPrefix(cfg.KeyPrefix))
	workspaceStore := store.NewWorkspaceStore(kvClient, cfg.KeyPrefix)

	vms, err := k8s.NewManager(k8s.Config{
		Kubeconfig: cfg.Kube.Kubeconfig,
		Namespace:  cfg.Kube.Namespace,
		Image:      cfg.Kube.Image,
		SSHPort:    cfg.Kube.SSHPort,
		CPU:        cfg.Kube.CPU,
		Memory:     cfg.Kube.Memory,
	})
	if err != nil {
		return err
	}
	if err := vms.EnsureNamespace(ctx); err != nil {
		return err
	}
	slog.Info("box namespace ensured", "component", "k8s", "namespace", cfg.Kube.Namespace)

	var decrypter security.Decrypter
	if cfg.EnvEncryptionKey != "" {
		cipher, err := security.NewEnvCipher(cfg.EnvEncryptionKey, cfg.EnvEncryptionKeyID)
		if err != nil {
			return fmt.Errorf("failed to initialize env cipher: %w", err)
		}
		decrypter = cipher
	} else {
		slog.Warn("ENV_ENCRYPTION_KEY is not set, encrypted env payloads will be rejected", "component", "security")
	}

	creds := sshx.Credentials{
		User:           cfg.SSH.User,
		Password:       cfg.SSH.Password,
		KnownHostsPath: cfg.SSH.KnownHostsPath,
	}
	if cfg.SSH.KeyPath != "" {
		key, err := os.ReadFile(cfg.SSH.KeyPath)
		if err != nil {
			return fmt.Errorf("failed to read ssh key: %w", err)
		}
		creds.PrivateKey = key
	}
	dialer := &sshx.SSHDialer{
		Credentials:    creds,
		DefaultPort:    cfg.Kube.SSHPort,
		DialTimeout:    cfg.SSH.DialTimeout,
		CommandTimeout: cfg.SSH.CommandTimeout,
	}

	drainState := lifecycle.NewDrainManager()
	provisioner := provision.NewRemote(dialer, decrypter, cfg.RepoPath)
	allocator := service.NewAllocatorService(boxStore, vms, provisioner,
		service.WithDefaultLeaseTTL(cfg.DefaultLeaseTTL),
		service.WithDrainManager(drainState),
	)
	poolManager := service.NewPoolManager(boxStore, vms, allocator, service.WithPoolConcurrency(cfg.PoolConcurrency))

	reconcileCtx, stopReconcile := context.WithCancel(ctx)
	defer stopReconcile()
	poolManager.Start(reconcileCtx, cfg.ReconcileInterval, pools)
	slog.Info("pool reconciler started", "component", "pool_manager", "interval", cfg.ReconcileInterval.String())

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logx.RequestIDMiddleware())
	r.Use(logx.AccessLogMiddleware("api_http", handler.HealthPaths()...))
	r.Use(handler.DrainGuard(drainState))
	handler.RegisterHealthRoutes(r, drainState)

	api := r.Group("/api/v1")
	handler.NewBoxHandler(allocator).RegisterRoutes(api)
	handler.NewPoolHandler(poolManager, pools).RegisterRoutes(api)
	if cfg.Controller.HostID != "" {
		ctrl := service.NewCodeAgentController(service.ControllerConfig{
			HostID:              cfg.Controller.HostID,
			WorkspaceRoot:       cfg.Controller.WorkspaceRoot,
			AllowEmptyWorkspace: cfg.Controller.AllowEmptyWorkspace,
		}, vms, sshx.NewHostRunner(vms, dialer), workspaceStore, decrypter)
		handler.NewWorkspaceHandler(ctrl).RegisterRoutes(api)
		slog.Info("workspace controller enabled", "component", "workspace_controller", "host_id", cfg.Controller.HostID)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("api server starting", "component", "http_server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("failed to start server: %w", err)
	}
	slog.Info("shutting down", "component", "http_server")

	drainState.StartDraining()
	stopReconcile()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer drainCancel()
	if err := drainState.WaitTasks(drainCtx); err != nil {
		slog.Warn("provisioning tasks still running at shutdown", "component", "lifecycle", "active", drainState.ActiveTasks())
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	slog.Info("api server stopped", "component", "http_server")
	return nil
}

func openKV(ctx context.Context, cfg config.Config) (kv.Client, error) {
	switch cfg.KV {
	case config.KVRedis:
		slog.Info("using redis store", "component", "store")
		return kv.OpenRedis(ctx, cfg.RedisURL)
	case config.KVMemory:
		slog.Warn("using in-memory store, state is lost on restart", "component", "store")
		return kv.NewMemory(), nil
	default:
		dbPath := filepath.Join(cfg.DataDir, "agentboxd.db")
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		slog.Info("using sqlite store", "component", "store", "db_path", dbPath)
		return kv.OpenSQLite(dbPath)
	}
}
