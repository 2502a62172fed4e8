// Package app wires the configured directory, store and importer together
// and drives one-shot or periodic runs.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldapsync/internal/config"
	"github.com/isometry/ldapsync/internal/httpapi"
	"github.com/isometry/ldapsync/internal/importer"
	"github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/store"
)

// Subsystem is the tflog subsystem used by the runner.
const Subsystem = "app"

// ErrRunInProgress is returned by RunOnce when another run holds the lock.
var ErrRunInProgress = errors.New("import already running")

// InitializeLogging registers the runner subsystem on ctx.
func InitializeLogging(ctx context.Context) context.Context {
	return tflog.NewSubsystem(ctx, Subsystem, tflog.WithLevelFromEnv("LDAPSYNC_LOG_APP"))
}

// Options are the command line switches that affect wiring.
type Options struct {
	// DryRun replaces the configured store with an in-memory one.
	DryRun bool
	// Username limits every run to a single directory user.
	Username string
}

// App owns the long-lived resources of a process.
type App struct {
	config   *config.Config
	options  Options
	pinger   httpapi.Pinger
	importer *importer.Importer

	running atomic.Bool
	wakeup  chan struct{}
	closers []func() error
}

// New connects to the directory and the store described by cfg. The caller
// must Close the returned App.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	connConfig, err := cfg.ToConnectionConfig()
	if err != nil {
		return nil, err
	}

	client, err := ldap.NewClient(ctx, connConfig)
	if err != nil {
		return nil, fmt.Errorf("ldap client: %w", err)
	}

	a := &App{config: cfg, options: opts, pinger: client, wakeup: make(chan struct{}, 1)}
	a.closers = append(a.closers, client.Close)

	st, err := a.openStore(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	mappings, err := cfg.ImportMappings().Compile()
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("import mappings: %w", err)
	}

	source := ldap.NewDirectory(ctx, client, cfg.ToDirectoryConfig())
	a.importer = importer.New(source, st, importer.NewMappingHydrator(mappings), cfg.ImporterConfig())

	return a, nil
}

// newApp assembles an App from already built parts.
func newApp(cfg *config.Config, opts Options, pinger httpapi.Pinger, imp *importer.Importer) *App {
	return &App{config: cfg, options: opts, pinger: pinger, importer: imp, wakeup: make(chan struct{}, 1)}
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	cfg := a.config.Store

	if a.options.DryRun || cfg.Driver == config.DriverMemory {
		tflog.SubsystemInfo(ctx, Subsystem, "Using in-memory store", map[string]any{"dry_run": a.options.DryRun})
		return store.NewMemory(cfg.SoftDelete), nil
	}

	db, err := store.Open(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	if cfg.Migrate {
		if err := store.Migrate(ctx, db); err != nil {
			return nil, err
		}
	}

	return store.NewPostgres(db, cfg.SoftDelete), nil
}

// Importer exposes the importer so callers can register listeners.
func (a *App) Importer() *importer.Importer {
	return a.importer
}

// RunOnce performs a single import. It returns ErrRunInProgress without
// running when another run is active.
func (a *App) RunOnce(ctx context.Context) (*importer.Report, error) {
	if !a.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer a.running.Store(false)

	fields := map[string]any{}
	if a.options.Username != "" {
		fields["username"] = a.options.Username
	}
	tflog.SubsystemInfo(ctx, Subsystem, "Starting import", fields)

	report, err := a.importer.Run(ctx, importer.RunOptions{Username: a.options.Username})
	if report != nil {
		logReport(ctx, report)
	}
	return report, err
}

// Trigger requests a run from the periodic loop. It reports false when a
// run is in progress or already queued.
func (a *App) Trigger() bool {
	if a.running.Load() {
		return false
	}
	select {
	case a.wakeup <- struct{}{}:
		return true
	default:
		return false
	}
}

// Serve runs imports every interval, and whenever Trigger is called, until
// ctx is cancelled. The HTTP endpoint is served alongside. Failed runs are
// logged and do not stop the loop.
func (a *App) Serve(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		httpErr error
	)

	if addr := a.config.HTTP.Listen; addr != "" {
		wg.Go(func() {
			if err := httpapi.Serve(ctx, addr, httpapi.NewRouter(a.pinger, a.Trigger)); err != nil {
				httpErr = err
				cancel()
			}
		})
	}

	wg.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			a.runLogged(ctx)

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-a.wakeup:
			}
		}
	})

	wg.Wait()
	return httpErr
}

func (a *App) runLogged(ctx context.Context) {
	_, err := a.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		tflog.SubsystemInfo(ctx, Subsystem, "Import interrupted")
	case ldap.IsAuthenticationError(err):
		tflog.SubsystemError(ctx, Subsystem, "Directory rejected the bind credentials", map[string]any{"error": err.Error()})
	default:
		tflog.SubsystemError(ctx, Subsystem, "Import failed", map[string]any{"error": err.Error()})
	}
}

// Close releases the directory client and database handle.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// logReport logs the run summary. Per-object failures are logged by the
// importer as they happen.
func logReport(ctx context.Context, report *importer.Report) {
	if report.Failed > 0 || len(report.PostCommitErrors) > 0 {
		tflog.SubsystemWarn(ctx, Subsystem, "Import finished with failures", report.Fields())
		return
	}
	tflog.SubsystemInfo(ctx, Subsystem, "Import finished", report.Fields())
}
