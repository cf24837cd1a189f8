package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/rollcall/internal/server"
	"github.com/spf13/cobra"
)

var serveBind string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recognition and attendance REST server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveBind, "bind", "", "Address to listen on (default: server.bind from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	bind := cfg.Server.Bind
	if serveBind != "" {
		bind = serveBind
	}

	m, closeLedger, err := openMachine(ctx)
	if err != nil {
		return err
	}
	defer closeLedger()

	p, err := newPipeline(ctx, 0, m)
	if err != nil {
		return err
	}
	defer p.Close()

	srv := server.New(bind, p.engine, m, logger)

	go func() {
		<-ctx.Done()
		// The signal context is already cancelled, so shutdown gets a fresh deadline
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warningf("Error during shutdown")
		}
	}()

	logger.Infof("Press Ctrl+C to stop")
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
