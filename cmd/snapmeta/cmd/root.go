// Package cmd implements the snapmeta command line interface.
package cmd

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "modernc.org/sqlite"

	"github.com/snapmeta/snapmeta"
)

var (
	cfgFile      string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "snapmeta",
	Short: "Durable image metadata pipeline",
	Long: `snapmeta ingests image uploads and durably extracts their metadata
(format, dimensions, size) into a queryable store. Processing is resumable:
every accepted upload is driven by a replayable orchestration instance, so a
crash mid-pipeline never loses or duplicates work.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.snapmeta/config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (default from config or ./snapmeta.db)")
	rootCmd.PersistentFlags().String("images-root", "", "blob store root directory (default from config or ./images)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")

	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("images_root", rootCmd.PersistentFlags().Lookup("images-root"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".snapmeta"))
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SNAPMETA")
	viper.AutomaticEnv()

	viper.SetDefault("db", "snapmeta.db")
	viper.SetDefault("images_root", "images")
	viper.SetDefault("container", "images")
	viper.SetDefault("listen", ":8080")
	viper.SetDefault("concurrency", 2)
	viper.SetDefault("retention", "24h")
	viper.SetDefault("retry.max_attempts", 5)
	viper.SetDefault("retry.initial_backoff", "500ms")
	viper.SetDefault("retry.backoff_multiplier", 2.0)
	viper.SetDefault("retry.max_backoff", "30s")
	viper.SetDefault("retry.attempt_timeout", "60s")

	// Missing config file is fine; defaults and env cover everything.
	_ = viper.ReadInConfig()
}

func retryPolicyFromConfig() snapmeta.RetryPolicy {
	return snapmeta.RetryPolicy{
		MaxAttempts:       viper.GetInt("retry.max_attempts"),
		InitialBackoff:    viper.GetDuration("retry.initial_backoff"),
		BackoffMultiplier: viper.GetFloat64("retry.backoff_multiplier"),
		MaxBackoff:        viper.GetDuration("retry.max_backoff"),
		AttemptTimeout:    viper.GetDuration("retry.attempt_timeout"),
	}
}

// openRuntime builds the durable runtime from the effective configuration.
// The returned closer owns the database handle.
func openRuntime(extraObs ...snapmeta.Observer) (*snapmeta.Runtime, func() error, error) {
	dbPath := viper.GetString("db")
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_journal=WAL")
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", dbPath, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	observers := append([]snapmeta.Observer{snapmeta.NewLoggingObserver(logger)}, extraObs...)

	rt, err := snapmeta.NewSQLiteRuntime(db, viper.GetString("images_root"), snapmeta.Config{
		Concurrency: viper.GetInt("concurrency"),
		RetryPolicy: retryPolicyFromConfig(),
		Observer:    snapmeta.NewCompositeObserver(observers...),
		Logger:      logger,
		Retention:   viper.GetDuration("retention"),
	})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return rt, db.Close, nil
}

func retentionFromConfig() time.Duration {
	return viper.GetDuration("retention")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}
