package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"agentcoord/internal/config"
	"agentcoord/internal/coordination"
	"agentcoord/internal/models"

	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "agentcoord",
		Short: "Coordinates AI agent sessions working a shared task board",
		Long: `agentcoord leases tasks to agents, records their runs, drives the
pipeline state machine and routes work to models that are not rate limited.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ./config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Source, *config.Config, error) {
	src, err := config.Open(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := src.Config()
	if err != nil {
		return nil, nil, err
	}
	return src, cfg, nil
}

// openDB connects to Postgres and applies migrations.
func openDB(cfg *config.Config) (*gorm.DB, error) {
	level := gormlogger.Warn
	if strings.EqualFold(cfg.Log.Level, "debug") {
		level = gormlogger.Info
	}
	// Lookups that find nothing are expected (no matching session, no
	// claimable job) and are not logged.
	newLogger := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{
		Logger: newLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}

	if err := models.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// policyFromConfig converts the pipeline section into a coordination policy.
func policyFromConfig(p config.PipelineConfig) coordination.Policy {
	tiers := make([]coordination.Tier, 0, len(p.Tiers))
	for _, t := range p.Tiers {
		tiers = append(tiers, coordination.Tier{
			Name:     t.Name,
			Models:   t.Models,
			Fallback: t.Fallback,
		})
	}
	return coordination.Policy{
		MaxRetries:      p.MaxRetries,
		EscalateOnRetry: p.EscalateOnRetry,
		Tiers:           tiers,
	}
}
