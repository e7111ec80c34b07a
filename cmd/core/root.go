package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldsync/core/internal/cache"
	"github.com/fieldsync/core/internal/config"
	"github.com/fieldsync/core/internal/db"
	"github.com/fieldsync/core/internal/events"
	"github.com/fieldsync/core/internal/logging"
	syncpkg "github.com/fieldsync/core/internal/sync"
	"github.com/fieldsync/core/internal/sync/conflict"
	"github.com/fieldsync/core/internal/sync/remote"
	"github.com/fieldsync/core/internal/sync/retry"
	"github.com/fieldsync/core/internal/telemetry"
)

// app holds the services composed for one command invocation.
type app struct {
	out io.Writer

	cfgFile   string
	serverURL string
	jsonOut   bool

	cfg    *config.Config
	bus    *events.Bus
	store  *db.Store
	cache  *cache.ReadCache
	remote *remote.HTTPClient
	engine *syncpkg.Engine
	tel    *telemetry.Telemetry
}

// run executes the command line in args and releases every service
// opened for it.
func run(args []string, out io.Writer) error {
	a := &app{out: out}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(out)
	return root.Execute()
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "fieldsync",
		Short: "FieldSync offline sync client",
		Long: `FieldSync keeps a field-inspection device usable offline.

Edits are queued locally and uploaded in batches when the server is
reachable. Conflicts are resolved by policy where possible and listed
for a decision otherwise.`,
		Version:           Version,
		PersistentPreRunE: a.setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&a.serverURL, "server", "", "sync server URL, overrides server_url")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		newSyncCmd(a),
		newStatusCmd(a),
		newQueueCmd(a),
		newConflictsCmd(a),
		newJobCmd(a),
		newWatchCmd(a),
	)
	return root
}

// setup loads configuration and wires the sync core.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if a.serverURL != "" {
		cfg.ServerURL = a.serverURL
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logging.Init(cfg.LoggingConfig())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a.tel, err = telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: "fieldsync",
		Writer:      os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := telemetry.NewSyncMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	a.bus = events.NewBus()
	a.store = db.OpenStore(cfg.DataDir, a.bus)
	if a.store.Degraded() {
		fmt.Fprintln(os.Stderr, "Warning: local store unavailable, changes will not be kept")
	}

	a.cache, err = cache.New(cfg.CacheDir)
	if err != nil {
		return fmt.Errorf("open read cache: %w", err)
	}

	opts := []remote.Option{
		remote.WithTimeout(cfg.Sync.HTTPTimeout),
		remote.WithUserAgent("fieldsync/" + Version),
	}
	if cfg.AuthToken != "" {
		opts = append(opts, remote.WithTokenSource(remote.StaticToken(cfg.AuthToken)))
	}
	a.remote, err = remote.NewHTTPClient(cfg.ServerURL, opts...)
	if err != nil {
		return err
	}

	strategy, err := cfg.MitigationStrategy()
	if err != nil {
		return err
	}
	policy, err := conflict.NewPolicy(strategy)
	if err != nil {
		return err
	}

	a.engine = syncpkg.NewEngine(a.store, a.remote, a.cache, a.bus, syncpkg.Config{
		PageSize: cfg.Sync.PageSize,
		Retry:    retry.Policy{MaxAttempts: cfg.Sync.MaxAttempts, Delays: cfg.Sync.RetryDelays},
		Policy:   policy,
		Metrics:  metrics,
	})
	return a.engine.LoadPendingConflicts(ctx)
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logging.Warn("Failed to close local store", map[string]interface{}{"error": err.Error()})
		}
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(context.Background()); err != nil {
			logging.Warn("Failed to flush telemetry", map[string]interface{}{"error": err.Error()})
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
}

// printJSON writes v as indented JSON.
func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.out, format, args...)
}
