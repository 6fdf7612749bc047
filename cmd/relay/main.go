// Command relay runs the Relay Fabric router as a standalone process: bind
// the well-known loopback port, accept WebSocket connections, and route
// frames between whichever tool-server and endpoint-gateway clients
// identify against it (spec §4.1).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/brennhill/gasoline-relay/internal/config"
	"github.com/brennhill/gasoline-relay/internal/health"
	"github.com/brennhill/gasoline-relay/internal/logging"
	"github.com/brennhill/gasoline-relay/internal/relay"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		flagPort     int
		flagLogLevel string
		flagYAML     string
	)

	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Run the gasoline-relay router",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagYAML)
			if err != nil {
				return err
			}
			if flagPort != 0 {
				cfg.RelayPort = flagPort
			}
			if flagLogLevel != "" {
				cfg.LogLevel = flagLogLevel
			}

			log := logging.New("relay", logging.Level(cfg.LogLevel))
			defer log.Sync()

			addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.RelayPort))
			ln, err := relay.TryBind(addr)
			if err != nil {
				return fmt.Errorf("relay: %w", err)
			}

			provider := health.NewProvider()
			meter, err := health.NewMeter(provider, "github.com/brennhill/gasoline-relay/internal/relay")
			if err != nil {
				log.Warn("relay: metrics disabled", zap.Error(err))
				meter = nil
			}

			srv := relay.NewServer(log, 0, meter)
			role := relay.ListenAndServe(ln, srv, log)
			log.Info("relay: listening", zap.String("addr", addr))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go srv.ReportMetrics(ctx)

			select {
			case <-ctx.Done():
			case <-role.Died():
			}
			return role.Shutdown(context.Background())
		},
	}

	cmd.Flags().IntVar(&flagPort, "port", 0, "loopback port to bind (overrides config/default)")
	cmd.Flags().StringVar(&flagLogLevel, "log-level", "", "debug|info|warn|error")
	cmd.Flags().StringVar(&flagYAML, "config", "", "optional YAML config file")

	cmd.AddCommand(newAdminCmd())
	return cmd
}
