// Command fleetd is the single-node instance governance daemon: it drives
// the external management tool, keeps the instance/admin/port records,
// runs the resource guardians and serves the HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rathamcloud/fleetd/internal/api"
	"github.com/rathamcloud/fleetd/internal/config"
	"github.com/rathamcloud/fleetd/internal/confirm"
	"github.com/rathamcloud/fleetd/internal/executor"
	"github.com/rathamcloud/fleetd/internal/guardian"
	"github.com/rathamcloud/fleetd/internal/lifecycle"
	"github.com/rathamcloud/fleetd/internal/notify"
	"github.com/rathamcloud/fleetd/internal/ports"
	"github.com/rathamcloud/fleetd/internal/store"
	"github.com/rathamcloud/fleetd/internal/usagelog"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("fleetd failed", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.ToolPath == "" {
		return errors.New("management tool '" + cfg.ToolName + "' not found; set FLEET_TOOL")
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	log.Info("starting fleetd",
		zap.String("tool", cfg.ToolPath),
		zap.String("data_dir", cfg.DataDir),
		zap.String("listen", cfg.ListenAddr))

	st, err := store.Open(cfg.DataDir, cfg.MainAdmin, log)
	if err != nil {
		return err
	}

	usage, err := usagelog.Open(cfg.UsageDBPath)
	if err != nil {
		return err
	}
	defer usage.Close()

	notifier, err := notify.New(cfg.NATSURL, log)
	if err != nil {
		return err
	}
	defer notifier.Close()

	runner := executor.New(cfg.ToolPath, cfg.CommandTimeout, log)
	alloc := ports.NewAllocator(st, runner, cfg.PortRangeMin, cfg.PortRangeMax, log)

	svc := lifecycle.New(lifecycle.Params{
		Store:          st,
		Runner:         runner,
		Ports:          alloc,
		Notifier:       notifier,
		Usage:          usage,
		TemplateImage:  cfg.TemplateImage,
		StoragePool:    cfg.StoragePool,
		InstancePrefix: cfg.InstancePrefix,
		Log:            log,
	})

	host := guardian.NewHost(st, runner, notifier, cfg.CPUThreshold, cfg.HostCheckInterval, log)
	instances := guardian.NewInstances(st, runner, notifier, usage,
		cfg.CPUThreshold, cfg.RAMThreshold, cfg.CheckInterval, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go host.Run(ctx)
	go instances.Run(ctx)

	srv := api.NewServer(api.Params{
		Service:       svc,
		Ports:         alloc,
		Store:         st,
		Host:          host,
		Confirmations: confirm.NewRegistry(cfg.ConfirmWindow),
		Runner:        runner,
		BackupDir:     filepath.Join(cfg.DataDir, "backups"),
		CPUThreshold:  cfg.CPUThreshold,
		RAMThreshold:  cfg.RAMThreshold,
		Log:           log,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := st.Save(); err != nil {
		log.Warn("final state save", zap.Error(err))
	}
	return nil
}
