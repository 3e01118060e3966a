package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/provgraph/internal/config"
	"github.com/gyaneshwarpardhi/provgraph/internal/engine"
	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/ledger"
	"github.com/gyaneshwarpardhi/provgraph/internal/logger"
	"github.com/gyaneshwarpardhi/provgraph/internal/projection"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply SQL migrations for sqlite or postgres storage",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()
		if cfg.Storage.Driver == "badger" {
			logger.Named("main").Info("Badger storage needs no migrations")
			return nil
		}
		st, err := openStore(cmd.Context(), cfg.Storage, true)
		if err != nil {
			return err
		}
		return st.Close()
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Audit lineage of every entity in the store",
	Long: `verify walks the history of every entity and traces every observation
back to an ingested record. It prints a JSON report and exits non-zero when
any lineage violation is found.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()
		parallel, _ := cmd.Flags().GetInt("parallel")

		st, err := openStore(cmd.Context(), cfg.Storage, false)
		if err != nil {
			return err
		}
		defer st.Close()

		report, err := engine.Audit(cmd.Context(), st, ledger.New(cfg.Ledger.HistoryPageSize), parallel)
		if err != nil {
			return err
		}
		if err := printJSON(report); err != nil {
			return err
		}
		if !report.OK() {
			return errors.Newf("audit found %d lineage violations", len(report.Findings))
		}
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-ingest all stored events into another store",
	Long: `replay reads every event of the configured store in observation order
and ingests it through a fresh pipeline writing to the target store. The target
is rebuilt from events alone: manual merges and splits are not reapplied.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		target := config.StorageConf{}
		target.Driver, _ = cmd.Flags().GetString("target-driver")
		target.Path, _ = cmd.Flags().GetString("target-path")
		target.DSN, _ = cmd.Flags().GetString("target-dsn")
		if target.Driver == cfg.Storage.Driver && target.Path == cfg.Storage.Path && target.DSN == cfg.Storage.DSN {
			return errors.New("replay target must differ from the source store")
		}
		pageSize, _ := cmd.Flags().GetInt("page-size")

		src, err := openStore(cmd.Context(), cfg.Storage, false)
		if err != nil {
			return err
		}
		defer src.Close()
		dst, err := openStore(cmd.Context(), target, true)
		if err != nil {
			return err
		}
		defer dst.Close()

		c, err := buildPipeline(cfg, dst, nil)
		if err != nil {
			return err
		}
		stats, err := engine.Replay(cmd.Context(), src, c.pipeline, pageSize)
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Mirror the whole graph into Neo4j",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()
		if cfg.Projection.URI == "" {
			return errors.New("projection.uri is not configured")
		}

		st, err := openStore(cmd.Context(), cfg.Storage, false)
		if err != nil {
			return err
		}
		defer st.Close()

		proj, err := projection.Open(cmd.Context(), cfg.Projection, st)
		if err != nil {
			return err
		}
		defer proj.Close(cmd.Context())

		n, err := proj.Sync(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(map[string]int{"entities": n})
	},
}

func init() {
	verifyCmd.Flags().Int("parallel", 4, "Entities audited concurrently")

	replayCmd.Flags().String("target-driver", "badger", "Target storage driver (badger, sqlite, postgres)")
	replayCmd.Flags().String("target-path", "", "Target badger directory or sqlite file")
	replayCmd.Flags().String("target-dsn", "", "Target PostgreSQL DSN")
	replayCmd.Flags().Int("page-size", 256, "Events read per snapshot")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
