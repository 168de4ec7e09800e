package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/agentbus/internal/health"
	"github.com/dyluth/agentbus/internal/printer"
	"github.com/spf13/cobra"
)

var deliverHealthAddr string

var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Run the background delivery worker",
	Long: `Run the delivery worker until interrupted.

The worker drains the shared retry queue every poll interval, delivering
pending direct messages, rescheduling failed attempts with backoff and
marking messages FAILED or EXPIRED. A /healthz endpoint reports Redis
connectivity and the retry queue depth.

Examples:
  # Run with settings from bus.yml
  busd deliver

  # Serve health checks on another port
  busd deliver --health-addr :9090

  # Disable the health endpoint
  busd deliver --health-addr ""`,
	RunE: runDeliver,
}

func init() {
	deliverCmd.Flags().StringVar(&deliverHealthAddr, "health-addr", "", "Health listen address (overrides health.addr)")
	rootCmd.AddCommand(deliverCmd)
}

func runDeliver(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	manager, err := rt.delivery()
	if err != nil {
		return printer.Error("Invalid delivery settings", err.Error(), nil)
	}

	addr := rt.cfg.Health.Addr
	if cmd.Flags().Changed("health-addr") {
		addr = deliverHealthAddr
	}
	if addr != "" {
		hs := health.NewServer(rt.client, addr, rt.logger, health.WithTracerProvider(rt.tp))
		if err := hs.Start(); err != nil {
			return printer.ErrorWithContext("Health server failed to start", err.Error(),
				map[string]string{"Address": addr},
				[]string{"Choose a free port with --health-addr"})
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hs.Shutdown(shutdownCtx)
		}()
	}

	return manager.Run(ctx)
}
