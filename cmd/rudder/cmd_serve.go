package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mchalk/rudder-core/claude"
	"github.com/mchalk/rudder-core/config"
	"github.com/mchalk/rudder-core/exec"
	"github.com/mchalk/rudder-core/logger"
	"github.com/mchalk/rudder-core/process"
	"github.com/mchalk/rudder-core/realtime"
)

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the rudder daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if serveAddr != "" {
		cfg.SetListenAddr(serveAddr)
	}

	logPath, err := logger.DefaultLogPath()
	if err != nil {
		return fmt.Errorf("failed to resolve log path: %w", err)
	}
	if err := logger.Init(logPath); err != nil {
		return fmt.Errorf("failed to init logging: %w", err)
	}
	defer logger.Close()
	logger.SetDebug(cfg.GetDebug())
	log := logger.WithComponent("serve")

	orch := claude.New(cfg)
	defer orch.Shutdown()

	policy, err := config.LoadPolicy()
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	if policy != nil {
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("invalid policy: %w", err)
		}
	}
	orch.ApplyPolicy(policy)

	// Kill claude processes left over from a previous run before taking on
	// new ones.
	sweepCtx, sweepCancel := context.WithTimeout(context.Background(), 10*time.Second)
	known := orch.Registry().KnownSessionIDs()
	if n, err := process.Sweep(sweepCtx, exec.GetDefaultExecutor(), known, nil); err != nil {
		log.Warn("orphan sweep failed", "error", err)
	} else if n > 0 {
		log.Info("killed orphaned claude processes", "count", n)
	}
	sweepCancel()

	// Periodic backstop against registry drift from lost exit
	// notifications.
	reapDone := make(chan struct{})
	defer close(reapDone)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := orch.Registry().Reap(); n > 0 {
					log.Info("reaped stale registry entries", "count", n)
				}
			case <-reapDone:
				return
			}
		}
	}()

	watcher, err := config.Watch(func(fileName string) {
		switch fileName {
		case "config.json":
			fresh, err := loadConfig()
			if err != nil {
				log.Warn("config reload failed", "error", err)
				return
			}
			if err := fresh.Validate(); err != nil {
				log.Warn("reloaded config rejected", "error", err)
				return
			}
			applyConfigReload(cfg, fresh)
			logger.SetDebug(cfg.GetDebug())
			log.Info("config reloaded")

		case "policy.yaml":
			fresh, err := config.LoadPolicy()
			if err != nil {
				log.Warn("policy reload failed", "error", err)
				return
			}
			if fresh != nil {
				if err := fresh.Validate(); err != nil {
					log.Warn("reloaded policy rejected", "error", err)
					return
				}
			}
			orch.ApplyPolicy(fresh)
			log.Info("policy reloaded")
		}
	})
	if err != nil {
		log.Warn("config watching disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	srv := realtime.New(orch)
	httpSrv := &http.Server{
		Addr:    cfg.GetListenAddr(),
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", "error", err)
	}
	return nil
}

// applyConfigReload copies the reloadable settings onto the live config.
// MaxProcesses is fixed at startup; the registry capacity does not resize.
func applyConfigReload(live, fresh *config.Config) {
	live.SetBinaryPath(fresh.GetBinaryPath())
	live.SetDefaultModel(fresh.GetDefaultModel())
	live.SetDefaultWorkDir(fresh.GetDefaultWorkDir())
	live.SetPermissionTimeoutSec(fresh.GetPermissionTimeoutSec())
	live.SetDebug(fresh.GetDebug())
}
