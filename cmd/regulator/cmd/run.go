package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cipherflows/regulator/config"
	"github.com/cipherflows/regulator/directory"
	"github.com/cipherflows/regulator/journal"
	"github.com/cipherflows/regulator/pkg/logger"
	"github.com/cipherflows/regulator/regulate"
	signalstore "github.com/cipherflows/regulator/signal"
	"github.com/cipherflows/regulator/venue"
	"github.com/cipherflows/regulator/venue/mt5bridge"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the regulation loop",
	Long: `Start the regulation loop against the configured directory and
venue bridge. The loop runs until interrupted.

Example:
  regulator run --config regulator.yaml`,
	RunE: runRun,
}

var runConfigPath string

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "f", "regulator.yaml", "path to config file")
}

func runRun(cmd *cobra.Command, args []string) error {
	// Local overrides for tokens and URLs; missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	j, err := journal.NewSQLite(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	signals, err := signalstore.Open(cfg.SignalsFile)
	if err != nil {
		return fmt.Errorf("load signals: %w", err)
	}

	accounts := directory.NewClient(directory.Config{
		BaseURL:   cfg.Directory.URL,
		BackupURL: cfg.Directory.BackupURL,
		Token:     cfg.Directory.Token,
		Timeout:   cfg.Directory.Timeout.Std(),
	})

	bridgeCfg := mt5bridge.Config{
		BaseURL: cfg.Bridge.URL,
		Token:   cfg.Bridge.Token,
		Timeout: cfg.Bridge.Timeout.Std(),
	}
	dialer := regulate.DialerFunc(func(ctx context.Context, acct directory.Account) (venue.Adapter, error) {
		return mt5bridge.Connect(ctx, bridgeCfg, mt5bridge.Credentials{
			LoginID:  acct.LoginID,
			Password: acct.Password,
			Server:   acct.Server,
		})
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loop := regulate.NewLoop(cfg, accounts, dialer, signals, j)
	return loop.Run(ctx)
}
