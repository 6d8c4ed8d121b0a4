// Package daemon wires the store, connectivity monitor, sync manager, status
// surface and control plane into one long running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openmined/farmsync/internal/backup"
	"github.com/openmined/farmsync/internal/config"
	"github.com/openmined/farmsync/internal/connectivity"
	"github.com/openmined/farmsync/internal/controlplane"
	"github.com/openmined/farmsync/internal/remote"
	"github.com/openmined/farmsync/internal/status"
	"github.com/openmined/farmsync/internal/store"
	"github.com/openmined/farmsync/internal/syncmgr"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type Daemon struct {
	cfg *config.Config

	lock     *Lock
	store    *store.Store
	remote   *remote.Client
	monitor  *connectivity.Monitor
	netwatch *connectivity.NetWatcher
	sync     *syncmgr.Manager
	status   *status.Service
	backup   *backup.Service
	cps      *controlplane.Server

	stopOnce sync.Once
	stopErr  error
}

// New locks the data dir and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	lock, err := AcquireLock(cfg.LockPath())
	if err != nil {
		return nil, err
	}

	d := &Daemon{cfg: cfg, lock: lock}
	if err := d.build(ctx); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build(ctx context.Context) error {
	cfg := d.cfg

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return err
	}
	d.store = st

	d.remote, err = remote.New(remote.Config{
		BaseURL:    cfg.Remote.URL,
		Token:      cfg.Remote.Token,
		Timeout:    cfg.Remote.Timeout,
		HealthPath: cfg.Remote.HealthPath,
	})
	if err != nil {
		return err
	}

	d.monitor = connectivity.NewMonitor(d.remote, connectivity.Config{
		ProbeTimeout:  cfg.Probe.Timeout,
		SlowThreshold: cfg.Probe.SlowThreshold,
		Interval:      cfg.Probe.Interval,
	})
	d.monitor.SetVisible(cfg.Probe.Background)
	if cfg.Probe.NetWatch > 0 {
		d.netwatch = connectivity.NewNetWatcher(d.monitor, cfg.Probe.NetWatch)
	}

	d.sync, err = syncmgr.New(d.store, d.remote, d.monitor, syncmgr.Config{
		MaxAttempts: cfg.Sync.MaxAttempts,
		Concurrency: cfg.Sync.Concurrency,
		BaseBackoff: cfg.Sync.BaseBackoff,
		MaxBackoff:  cfg.Sync.MaxBackoff,
		Interval:    cfg.Sync.Interval,
		KickDelay:   cfg.Sync.KickDelay,
	})
	if err != nil {
		return err
	}
	d.monitor.SetDrainer(d.sync.Drainer())

	d.status = status.New(d.store, d.monitor, d.sync)

	if cfg.Backup.Enabled {
		d.backup, err = backup.NewS3(ctx, backupConfig(cfg.Backup), d.status)
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
	}

	d.cps, err = controlplane.New(&controlplane.Config{
		Addr:        cfg.ControlPlane.Addr,
		Token:       cfg.ControlPlane.Token,
		RateLimit:   cfg.ControlPlane.RateLimit,
		CORSOrigins: cfg.ControlPlane.CORSOrigins,
	}, &controlplane.Services{
		Status: d.status,
		Store:  d.store,
		Backup: d.backup,
	}, d.onWatch)
	return err
}

func backupConfig(c config.BackupConfig) backup.S3Config {
	return backup.S3Config{
		Bucket:       c.Bucket,
		Prefix:       c.Prefix,
		Region:       c.Region,
		Endpoint:     c.Endpoint,
		AccessKey:    c.AccessKey,
		SecretKey:    c.SecretKey,
		UsePathStyle: c.UsePathStyle,
	}
}

// onWatch keeps probing while someone watches the status, even with background probing off.
func (d *Daemon) onWatch(watchers int) {
	d.monitor.SetVisible(d.cfg.Probe.Background || watchers > 0)
}

// Addr is the control plane address, known once Start has bound it.
func (d *Daemon) Addr() string {
	return d.cps.Addr()
}

func (d *Daemon) Store() *store.Store {
	return d.store
}

func (d *Daemon) Status() *status.Service {
	return d.status
}

// Listen binds the control plane early so a bad address fails before anything starts.
func (d *Daemon) Listen() error {
	return d.cps.Listen()
}

// Start runs until ctx is cancelled or a component fails, then shuts everything down.
func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("farmsync daemon start", "dataDir", d.cfg.DataDir, "remote", d.cfg.Remote.URL, "backup", d.backup != nil)

	if err := d.Listen(); err != nil {
		d.Stop(context.Background())
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	if err := d.monitor.Start(egCtx); err != nil {
		d.Stop(context.Background())
		return err
	}
	if err := d.sync.Start(egCtx); err != nil {
		d.Stop(context.Background())
		return err
	}
	if err := d.status.Start(egCtx); err != nil {
		d.Stop(context.Background())
		return err
	}

	if d.netwatch != nil {
		eg.Go(func() error {
			d.netwatch.Run(egCtx)
			return nil
		})
	}

	eg.Go(func() error {
		if err := d.cps.Start(egCtx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("stopping daemon")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.Stop(shutdownCtx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("farmsync daemon failure", "error", err)
		return err
	}

	slog.Info("farmsync daemon stopped")
	return nil
}

// Stop shuts every component down in reverse start order and releases the data dir.
// Calling it more than once is safe.
func (d *Daemon) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		var errs []error
		if d.cps != nil {
			if err := d.cps.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop control plane: %w", err))
			}
		}
		if d.status != nil {
			d.status.Stop()
		}
		if d.sync != nil {
			d.sync.Stop()
		}
		if d.monitor != nil {
			d.monitor.Stop()
		}
		if err := d.close(); err != nil {
			errs = append(errs, err)
		}
		d.stopErr = errors.Join(errs...)
	})
	return d.stopErr
}

func (d *Daemon) close() error {
	var errs []error
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if err := d.lock.Release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
