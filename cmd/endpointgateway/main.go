// Command endpointgateway runs the Endpoint Gateway: it races into the
// relay (winning the election or dialing the winner), identifies as the
// sole "endpoint" client, and dispatches inbound commands against a
// BrowserDriver (spec §4.2).
//
// The real browser-automation driver is an external collaborator (spec §1
// Non-goals); this binary wires a stub so the dispatch/lock/registry/
// milestone plumbing can be exercised end-to-end without one.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/brennhill/gasoline-relay/internal/config"
	"github.com/brennhill/gasoline-relay/internal/gateway"
	"github.com/brennhill/gasoline-relay/internal/lock"
	"github.com/brennhill/gasoline-relay/internal/logging"
	"github.com/brennhill/gasoline-relay/internal/wire"
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
		Use:           "endpointgateway",
		Short:         "Run the gasoline-relay endpoint gateway",
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

			log := logging.New("endpointgateway", logging.Level(cfg.LogLevel))
			defer log.Sync()

			addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.RelayPort))

			onFail := func(operationID string, reason lock.Reason) {}
			locks := lock.NewManager(cfg.TabLockMaxHold, onFail)
			registry := gateway.NewRegistryForLocks(cfg.EventRingCap, locks)

			driver := &stubDriver{}
			handlers := []gateway.Handler{
				gateway.DebugEchoHandler,
				gateway.NewCreateTabHandler(driver, registry),
				gateway.NewSendMessageHandler(driver, "/api/complete"),
				gateway.NewDestroyTabHandler(registry),
			}

			identity := wire.IdentifyPayload{
				Type:    wire.ClientEndpoint,
				Name:    "endpointgateway",
				Version: "0.1.0",
				PID:     os.Getpid(),
			}

			session := gateway.NewSession(addr, identity, registry, locks, handlers, log)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go runExpirySweep(ctx, locks)

			err = session.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().IntVar(&flagPort, "port", 0, "relay port (overrides config/default)")
	cmd.Flags().StringVar(&flagLogLevel, "log-level", "", "debug|info|warn|error")
	cmd.Flags().StringVar(&flagYAML, "config", "", "optional YAML config file")

	return cmd
}

// runExpirySweep evicts expired tab-lock owners once per second (spec §4.4).
func runExpirySweep(ctx context.Context, locks *lock.Manager) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			locks.ExpireSweep(now)
		case <-ctx.Done():
			return
		}
	}
}

// stubDriver stands in for the real browser-automation surface (spec §1
// Non-goals): create_tab returns a fresh "tab-N" id, and every other
// command echoes back its tab id, command name and params.
type stubDriver struct{ nextTab int }

func (d *stubDriver) Execute(_ context.Context, tabID, command string, params map[string]any) (map[string]any, error) {
	if command == "create_tab" {
		d.nextTab++
		return map[string]any{"tabId": fmt.Sprintf("tab-%d", d.nextTab)}, nil
	}
	return map[string]any{"tabId": tabID, "command": command, "params": params}, nil
}
