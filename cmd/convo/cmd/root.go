package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/comigor/convo-go/internal/config"
	"github.com/comigor/convo-go/internal/logger"
	"github.com/comigor/convo-go/internal/pubsub"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "convo",
	Short: "Terminal client for course marketplace conversations",
	Long: `convo talks to the course marketplace backend: it shows a conversation's
history, follows new messages live and sends your own.

Use "convo [command] --help" for more information about a command.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		if configPath != "" {
			os.Setenv("CONFIG_PATH", configPath)
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		logger.Setup(os.Stderr, cfg.Log.Format)
		logger.SetLevel(cfg.Log.Level)
		return nil
	},
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default ./config.yaml or $CONFIG_PATH)")
}

// signalContext is cancelled on Ctrl-C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newPool() (*pubsub.Pool, error) {
	dial, err := pubsub.NewDialer(cfg.PubSub)
	if err != nil {
		return nil, err
	}
	return pubsub.NewPool(dial), nil
}
