// Command ldapsync imports directory users into the local user store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"

	"github.com/isometry/ldapsync/internal/app"
	"github.com/isometry/ldapsync/internal/config"
	"github.com/isometry/ldapsync/internal/httpapi"
	"github.com/isometry/ldapsync/internal/importer"
	"github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/store"
)

func main() {
	configPath := flag.String("config", "ldapsync.yaml", "path to the configuration file")
	username := flag.String("user", "", "import a single user found by ambiguous name resolution")
	dryRun := flag.Bool("dry-run", false, "import into an in-memory store")
	once := flag.Bool("once", false, "run a single import even when an interval is configured")
	flag.Parse()

	if err := run(*configPath, *username, *dryRun, *once); err != nil {
		fmt.Fprintf(os.Stderr, "ldapsync: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, username string, dryRun, once bool) error {
	cfg, err := loadConfig(configPath, dryRun)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = newLogger(ctx, cfg.LogLevel)

	a, err := app.New(ctx, cfg, app.Options{DryRun: dryRun, Username: username})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			tflog.Warn(ctx, "Failed to release resources", map[string]any{"error": err.Error()})
		}
	}()

	if once || username != "" || cfg.Import.Interval <= 0 {
		_, err := a.RunOnce(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	return a.Serve(ctx, cfg.Import.Interval)
}

// loadConfig reads and validates the configuration. A dry run never opens
// the configured store, so it is validated as the memory driver.
func loadConfig(path string, dryRun bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dryRun {
		cfg.Store.Driver = config.DriverMemory
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger installs the root logger and every subsystem. LDAPSYNC_LOG
// overrides the configured level.
func newLogger(ctx context.Context, level string) context.Context {
	if env := os.Getenv("LDAPSYNC_LOG"); env != "" {
		level = env
	}

	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName("ldapsync"),
		tfsdklog.WithLevel(hclog.LevelFromString(level)),
		tfsdklog.WithoutLocation(),
	)

	ctx = ldap.InitializeLogging(ctx)
	ctx = importer.InitializeLogging(ctx)
	ctx = httpapi.InitializeLogging(ctx)
	ctx = app.InitializeLogging(ctx)
	return tflog.NewSubsystem(ctx, store.Subsystem, tflog.WithLevelFromEnv("LDAPSYNC_LOG_STORE"))
}
