package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/ledger"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const backendPostgres = "postgres"

var (
	// cfg is the effective configuration loaded in PersistentPreRunE
	cfg *config.Config
	// cfgPath is the --config flag value
	cfgPath string
	// logger is shared by every subcommand
	logger    *logrus.Logger
	logCloser io.Closer
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "rollcall",
	Short:   "Face recognition attendance engine",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is normal outside of docker-compose setups
		_ = godotenv.Load()
		return setup(cmd.ErrOrStderr())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

// setup loads the configuration and builds the logger.
func setup(stderr io.Writer) error {
	loaded, resolved, exists, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	cfg = loaded

	logger, logCloser, err = logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
		Output: stderr,
	})
	if err != nil {
		return err
	}

	if exists {
		logger.Debugf("Loaded configuration from %s", resolved)
	} else {
		logger.Debugf("No configuration at %s, using defaults", resolved)
	}
	return nil
}

// openLedger builds the configured attendance ledger. The returned func releases it.
func openLedger(ctx context.Context) (attendance.Ledger, func(), error) {
	if cfg.Ledger.Backend == backendPostgres {
		st, err := openStore(ctx)
		if err != nil {
			return nil, nil, err
		}
		return st.Ledger(logger), func() { closeStore(st) }, nil
	}

	l, err := ledger.Open(ctx, cfg.Ledger.Backend, cfg.Ledger.Path, cfg.Ledger.Lock, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s ledger: %w", cfg.Ledger.Backend, err)
	}
	return l, func() { l.Close() }, nil
}

// openStore connects to the identity gallery database.
func openStore(ctx context.Context) (*store.Store, error) {
	st, err := store.New(ctx, cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return st, nil
}

func closeStore(st *store.Store) {
	// Use Background here because the main context might be cancelled already (due to Ctrl+C)
	st.Close(context.Background())
}

// openMachine opens the ledger and wraps it in the attendance state machine.
func openMachine(ctx context.Context) (*attendance.Machine, func(), error) {
	l, closeLedger, err := openLedger(ctx)
	if err != nil {
		return nil, nil, err
	}
	m := attendance.NewMachine(l, attendance.Options{
		Cooldown: cfg.Cooldown(),
		Location: cfg.Location(),
	}, logger)
	return m, closeLedger, nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		utils.ShowError(os.Stderr, "Command failed", err, nil)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file (default: ~/.config/rollcall/config.toml or ./rollcall.toml)")
}
