// Package cli implements the staysync command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/staysync/internal/app"
	"github.com/felixgeelhaar/staysync/pkg/config"
	"github.com/felixgeelhaar/staysync/pkg/observability"
)

var (
	envFlag string
	verbose bool
	logger  *slog.Logger
	cfg     *config.Config

	// openContainer is replaced in tests.
	openContainer = app.NewContainerFor
)

type commandContext struct {
	correlationID uuid.UUID
	startedAt     time.Time
}

type commandContextKey struct{}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "staysync",
	Short: "staysync - reservation sync for vacation rentals",
	Long: `staysync pulls bookings from channel feeds, owner spreadsheets and
portal exports, reconciles them into one versioned reservation store and
flags what the cleaning crew needs to know.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if logger == nil {
			logger = slog.Default()
		}
		if verbose {
			logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
		}
		info := commandContext{
			correlationID: uuid.New(),
			startedAt:     time.Now(),
		}
		ctx := context.WithValue(cmd.Context(), commandContextKey{}, info)
		ctx = observability.WithCorrelationID(ctx, info.correlationID.String())
		cmd.SetContext(ctx)
		logger.Debug("command start",
			"command", cmd.CommandPath(),
			"correlation_id", info.correlationID.String(),
		)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		info, ok := cmd.Context().Value(commandContextKey{}).(commandContext)
		if !ok {
			return
		}
		logger.Debug("command end",
			"command", cmd.CommandPath(),
			"correlation_id", info.correlationID.String(),
			"duration_ms", time.Since(info.startedAt).Milliseconds(),
		)
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&envFlag, "env", "e", "", "target record store: dev or prod (default from STAYSYNC_ENVIRONMENT)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging to stderr")
}

// SetLogger sets the CLI logger.
func SetLogger(l *slog.Logger) {
	logger = l
}

// SetConfig sets the configuration commands build their container from.
func SetConfig(c *config.Config) {
	cfg = c
}

// container opens the dependencies for the environment selected by --env.
func container(cmd *cobra.Command) (*app.Container, error) {
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	env := cfg.Environment
	if envFlag != "" {
		parsed, err := config.ParseEnvironment(envFlag)
		if err != nil {
			return nil, err
		}
		env = parsed
	}
	return openContainer(cmd.Context(), cfg, env, logger)
}
