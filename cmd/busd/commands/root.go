package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dyluth/agentbus/internal/config"
	"github.com/dyluth/agentbus/internal/logging"
	"github.com/dyluth/agentbus/internal/printer"
	"github.com/dyluth/agentbus/internal/tracing"
	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/dyluth/agentbus/pkg/cluster"
	"github.com/dyluth/agentbus/pkg/conflict"
	"github.com/dyluth/agentbus/pkg/delivery"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	configPath    string
	envFilePath   string
	traceExporter string
	buildVersion  = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "busd",
	Short: "busd - Redis coordination bus for cooperating agents",
	Long: `busd operates the agent coordination bus. It runs the background
delivery worker and gives operators access to the conflict review queue,
daily conflict metrics, the task ledger, live findings and agent inboxes.

Configuration is read from bus.yml (if present), then AGENTBUS_* environment
variables, which may also come from a .env file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	buildVersion = v
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to bus.yml (skipped if the default is absent)")
	rootCmd.PersistentFlags().StringVar(&envFilePath, "env-file", ".env", "Path to a .env file with AGENTBUS_* variables")
	rootCmd.PersistentFlags().StringVar(&traceExporter, "trace", "", "Span exporter: none or stdout (overrides trace.exporter)")
}

// runtime is what every subcommand needs once configuration is loaded.
type runtime struct {
	cfg    *config.Config
	logger zerolog.Logger
	client *bus.Client
	tp     *sdktrace.TracerProvider
}

func (rt *runtime) Close() {
	if rt.tp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.tp.Shutdown(ctx); err != nil {
			rt.logger.Warn().Err(err).Msg("failed to flush spans")
		}
	}
	if rt.client != nil {
		rt.client.Close()
	}
}

// setup loads configuration, builds the logger and connects to Redis.
func setup(ctx context.Context, cmd *cobra.Command) (*runtime, error) {
	if err := config.LoadEnvFile(envFilePath); err != nil {
		return nil, printer.Error("Failed to load env file", err.Error(), nil)
	}

	path := configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, printer.ErrorWithContext("Invalid configuration", err.Error(),
			map[string]string{"Config": orDefault(path, "(none)")},
			[]string{"Fix the file or the AGENTBUS_* variable named above"})
	}

	if traceExporter != "" {
		cfg.Trace.Exporter = traceExporter
	}

	logger, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, printer.Error("Invalid log settings", err.Error(), nil)
	}

	opts, err := cfg.RedisOptions()
	if err != nil {
		return nil, printer.Error("Invalid Redis URL", err.Error(), nil)
	}
	client, err := bus.NewClient(opts,
		bus.WithLogger(logger),
		bus.WithPacketTTL(cfg.TTL.Packet),
	)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, printer.ErrorWithContext("Redis unavailable", err.Error(),
			map[string]string{"Redis": opts.Addr},
			[]string{"Start Redis", "Point AGENTBUS_REDIS_URL at a running instance"})
	}

	tp, err := tracing.New(cfg.Trace, cmd.ErrOrStderr(), buildVersion)
	if err != nil {
		client.Close()
		return nil, printer.Error("Invalid trace settings", err.Error(), []string{"Use --trace none or --trace stdout"})
	}

	return &runtime{cfg: cfg, logger: logger, client: client, tp: tp}, nil
}

// workflow builds the conflict review workflow from configuration.
func (rt *runtime) workflow() (*conflict.Workflow, error) {
	clusterer, err := cluster.New(cluster.WithThreshold(rt.cfg.Clustering.SimilarityThreshold))
	if err != nil {
		return nil, err
	}
	detector, err := conflict.NewDetector(rt.client,
		conflict.WithClusterer(clusterer),
		conflict.WithDeltaThreshold(rt.cfg.Conflicts.DeltaThreshold),
		conflict.WithDetectorClock(rt.client.Clock()),
		conflict.WithDetectorLogger(rt.logger),
		conflict.WithTracerProvider(rt.tp),
	)
	if err != nil {
		return nil, err
	}
	return conflict.NewWorkflow(rt.client, detector,
		conflict.WithHistoryTTL(rt.cfg.Conflicts.HistoryTTL),
		conflict.WithWorkflowLogger(rt.logger),
		conflict.WithWorkflowTracerProvider(rt.tp),
	), nil
}

// delivery builds a delivery manager from configuration.
func (rt *runtime) delivery() (*delivery.Manager, error) {
	return delivery.NewManager(rt.client, rt.cfg.DeliveryConfig(),
		delivery.WithLogger(rt.logger),
		delivery.WithTracerProvider(rt.tp),
	)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
