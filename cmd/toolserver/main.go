// Command toolserver runs a tool-server client: it joins the relay, mints
// and tracks operations through the Operation Manager, and exposes a small
// one-shot `dispatch` subcommand for exercising the system manually. The
// actual upstream tool-protocol handshake that would hand this process real
// work from an agent is explicitly out of scope (spec §1 Non-goals) and
// stays behind the toolserver.UpstreamAgent seam.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/brennhill/gasoline-relay/internal/config"
	"github.com/brennhill/gasoline-relay/internal/logging"
	"github.com/brennhill/gasoline-relay/internal/operation"
	"github.com/brennhill/gasoline-relay/internal/toolserver"
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
		Use:           "toolserver",
		Short:         "Run the gasoline-relay tool-server client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().IntVar(&flagPort, "port", 0, "relay port (overrides config/default)")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "debug|info|warn|error")
	cmd.PersistentFlags().StringVar(&flagYAML, "config", "", "optional YAML config file")

	cmd.AddCommand(newServeCmd(&flagPort, &flagLogLevel, &flagYAML))
	cmd.AddCommand(newDispatchCmd(&flagPort, &flagLogLevel, &flagYAML))
	return cmd
}

func buildSession(flagPort int, flagLogLevel, flagYAML string, agent toolserver.UpstreamAgent) (*toolserver.Session, *operation.Manager, *zap.Logger, error) {
	cfg, err := config.Load(flagYAML)
	if err != nil {
		return nil, nil, nil, err
	}
	if flagPort != 0 {
		cfg.RelayPort = flagPort
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	log := logging.New("toolserver", logging.Level(cfg.LogLevel))

	opsDir, err := config.OperationsDir()
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := operation.NewStore(opsDir)
	if err != nil {
		return nil, nil, nil, err
	}
	ops := operation.NewManager(store, log, operation.WithOperationTimeout(cfg.OperationTimeout))
	if err := ops.Recover(func(id string) {
		log.Warn("toolserver: operation failed recovery grace", zap.String("operationId", id))
	}); err != nil {
		log.Warn("toolserver: recover failed", zap.Error(err))
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.RelayPort))
	identity := wire.IdentifyPayload{
		Type:    wire.ClientToolServer,
		Name:    "toolserver",
		Version: "0.1.0",
		PID:     os.Getpid(),
	}
	session := toolserver.NewSession(addr, identity, ops, agent, log)
	return session, ops, log, nil
}

func newServeCmd(flagPort *int, flagLogLevel, flagYAML *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the relay and serve operations indefinitely",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, ops, log, err := buildSession(*flagPort, *flagLogLevel, *flagYAML, loggingAgent{})
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go runGC(ctx, ops)

			if err := session.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func newDispatchCmd(flagPort *int, flagLogLevel, flagYAML *string) *cobra.Command {
	var (
		flagParamsJSON string
		flagTimeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "dispatch [command]",
		Short: "Mint and dispatch one operation, then print its terminal record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			delivered := make(chan *operation.Record, 1)
			session, _, log, err := buildSession(*flagPort, *flagLogLevel, *flagYAML, deliverOnceAgent{delivered})
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
			defer cancel()

			go func() { _ = session.Run(ctx) }()
			// Give the session a moment to win/join the election and identify.
			time.Sleep(200 * time.Millisecond)

			params := map[string]any{}
			if flagParamsJSON != "" {
				if err := json.Unmarshal([]byte(flagParamsJSON), &params); err != nil {
					return fmt.Errorf("invalid --params JSON: %w", err)
				}
			}

			rec, err := session.Dispatch(args[0], params, flagTimeout)
			if err != nil {
				return err
			}

			select {
			case final := <-delivered:
				rec = final
			case <-ctx.Done():
			}

			out, _ := json.MarshalIndent(rec, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&flagParamsJSON, "params", "", "JSON object of command parameters")
	cmd.Flags().DurationVar(&flagTimeout, "timeout", 30*time.Second, "operation deadline")
	return cmd
}

func runGC(ctx context.Context, ops *operation.Manager) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			ops.Purge(now)
		case <-ctx.Done():
			return
		}
	}
}

// loggingAgent is the `serve` subcommand's UpstreamAgent: since the real
// tool-protocol handshake is out of scope, terminal records are observable
// only through the operations directory and `dispatch`'s own delivery path.
type loggingAgent struct{}

func (loggingAgent) Deliver(rec *operation.Record) {}

// deliverOnceAgent feeds the `dispatch` subcommand's one operation back to
// the caller once it reaches a terminal status.
type deliverOnceAgent struct {
	ch chan *operation.Record
}

func (a deliverOnceAgent) Deliver(rec *operation.Record) {
	select {
	case a.ch <- rec:
	default:
	}
}
