package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gyaneshwarpardhi/provgraph/internal/config"
	"github.com/gyaneshwarpardhi/provgraph/internal/engine"
	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/ledger"
	"github.com/gyaneshwarpardhi/provgraph/internal/logger"
	"github.com/gyaneshwarpardhi/provgraph/internal/normalize"
	"github.com/gyaneshwarpardhi/provgraph/internal/oracle"
	"github.com/gyaneshwarpardhi/provgraph/internal/resolve"
	"github.com/gyaneshwarpardhi/provgraph/internal/schema"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
	"github.com/gyaneshwarpardhi/provgraph/internal/store/badgerstore"
	"github.com/gyaneshwarpardhi/provgraph/internal/store/sqlstore"
)

// v carries flag values and PROVGRAPH_* environment overrides. The YAML
// file stays the source of truth; v only replaces the process-level
// settings that cannot be hot-reloaded.
var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "provgraph",
	Short: "Provenance-tracked ingestion and entity resolution engine",
	Long: `provgraph ingests observations from heterogeneous sources, resolves them
into entities, and keeps every change traceable to the events that caused it.

Commands:
  serve    - Run the HTTP API and ingestion workers
  migrate  - Apply SQL migrations for sqlite or postgres storage
  verify   - Audit lineage of every entity in the store
  replay   - Re-ingest all stored events into another store
  project  - Mirror the whole graph into Neo4j`,
	SilenceUsage: true,
}

func init() {
	v.SetEnvPrefix("PROVGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	pf := rootCmd.PersistentFlags()
	pf.String("config", "configs/provgraph.yaml", "Path to YAML config")
	pf.String("log-level", "", "Log level override (debug, info, warn, error)")
	pf.String("log-format", "", "Log format override (json or console)")
	pf.String("storage-driver", "", "Storage driver override (badger, sqlite, postgres)")
	pf.String("storage-path", "", "Badger directory or sqlite file override")
	pf.String("storage-dsn", "", "PostgreSQL DSN override")
	for _, name := range []string{"config", "log-level", "log-format", "storage-driver", "storage-path", "storage-dsn"} {
		_ = v.BindPFlag(name, pf.Lookup(name))
	}

	rootCmd.AddCommand(serveCmd, migrateCmd, verifyCmd, replayCmd, projectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// applyOverrides copies flag and environment values onto cfg.
func applyOverrides(cfg *config.Config) {
	if s := v.GetString("log-level"); s != "" {
		cfg.Log.Level = s
	}
	switch v.GetString("log-format") {
	case "json":
		cfg.Log.JSON = true
	case "console":
		cfg.Log.JSON = false
	}
	if s := v.GetString("storage-driver"); s != "" {
		cfg.Storage.Driver = s
	}
	if s := v.GetString("storage-path"); s != "" {
		cfg.Storage.Path = s
	}
	if s := v.GetString("storage-dsn"); s != "" {
		cfg.Storage.DSN = s
	}
	if s := v.GetString("addr"); s != "" {
		cfg.API.Addr = s
	}
}

// loadConfig reads, overrides and validates the config, then initializes
// the global logger from it.
func loadConfig() (*config.Loader, *config.Config, error) {
	loader, err := config.NewLoader(v.GetString("config"))
	if err != nil {
		return nil, nil, err
	}
	cfg := loader.Config()
	applyOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, nil, err
	}
	if err := logger.Initialize(cfg.Log.JSON, cfg.Log.Level); err != nil {
		return nil, nil, errors.Wrap(err, "initialize logger")
	}
	return loader, cfg, nil
}

// openStore opens the configured backend. SQL backends are migrated when
// migrate is set.
func openStore(ctx context.Context, conf config.StorageConf, migrate bool) (store.Store, error) {
	log := logger.Named("store")
	if conf.Driver == "badger" {
		s, err := badgerstore.Open(badgerstore.Options{Path: conf.Path, InMemory: conf.InMemory, Logger: log})
		if err != nil {
			return nil, errors.Wrap(err, "open badger store")
		}
		log.Infow("Opened badger store", "path", conf.Path, "in_memory", conf.InMemory || conf.Path == "")
		return s, nil
	}

	dialect, err := sqlstore.ParseDialect(conf.Driver)
	if err != nil {
		return nil, err
	}
	s, err := sqlstore.Open(sqlstore.Options{Dialect: dialect, Path: conf.Path, DSN: conf.DSN, Logger: log})
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, errors.Wrap(err, "migrate")
		}
	}
	log.Infow("Opened sql store", "dialect", dialect.String())
	return s, nil
}

// components are the collaborators built from one config.
type components struct {
	registry *schema.Static
	resolver *resolve.Resolver
	pipeline *engine.Pipeline
}

// buildPipeline wires normalizer, resolver and ledger over s.
func buildPipeline(cfg *config.Config, s store.Store, pub engine.Publisher) (*components, error) {
	reg, err := schema.NewStatic(cfg.Sources)
	if err != nil {
		return nil, errors.Wrap(err, "compile source schemas")
	}
	res := resolve.New(reg, oracle.New(cfg.Oracle), resolve.OptionsFromConfig(cfg.Resolution))
	p := engine.NewPipeline(engine.PipelineOptions{
		Store:           s,
		Normalizer:      normalize.New(reg, store.NewLookup(s), normalize.OptionsFromConfig(cfg.Normalizer)),
		Resolver:        res,
		Ledger:          ledger.New(cfg.Ledger.HistoryPageSize),
		Publisher:       pub,
		ConflictRetries: cfg.Engine.ConflictRetries,
	})
	return &components{registry: reg, resolver: res, pipeline: p}, nil
}
