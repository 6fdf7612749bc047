// admin.go — "relay admin health": dial the running relay as an admin
// client and print the health.report it answers with (spec §4.4, §6.2
// health.report frame).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/brennhill/gasoline-relay/internal/config"
	"github.com/brennhill/gasoline-relay/internal/logging"
	"github.com/brennhill/gasoline-relay/internal/relay"
	"github.com/brennhill/gasoline-relay/internal/wire"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "admin", Short: "Administrative queries against a running relay"}
	cmd.AddCommand(newAdminHealthCmd())
	return cmd
}

func newAdminHealthCmd() *cobra.Command {
	var flagPort int

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Print every connected client's passive health classification",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("")
			if err != nil {
				return err
			}
			port := cfg.RelayPort
			if flagPort != 0 {
				port = flagPort
			}
			addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

			ctx, cancel := context.WithTimeout(context.Background(), relay.HandshakeTimeout*2)
			defer cancel()

			conn, err := relay.Dial(ctx, addr)
			if err != nil {
				return fmt.Errorf("admin: dial relay at %s: %w", addr, err)
			}
			defer conn.Close()

			log := logging.New("relay-admin", logging.LevelInfo)
			client, err := relay.Identify(ctx, conn, wire.IdentifyPayload{
				Type: wire.ClientAdmin,
				Name: "relay-admin-cli",
			}, log)
			if err != nil {
				return fmt.Errorf("admin: identify: %w", err)
			}
			defer client.Close()

			req := wire.Frame{Type: wire.TypeHealthReport, To: "relay", Timestamp: time.Now().UnixMilli()}
			if err := client.Send(req); err != nil {
				return err
			}

			for {
				select {
				case f, ok := <-client.Frames():
					if !ok {
						return <-client.Err()
					}
					if f.Type != wire.TypeHealthReport {
						continue // relay.ready / roster.update from the handshake
					}
					var payload wire.HealthReportPayload
					if err := f.DecodePayload(&payload); err != nil {
						return err
					}
					out, _ := json.MarshalIndent(payload, "", "  ")
					fmt.Println(string(out))
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		},
	}

	cmd.Flags().IntVar(&flagPort, "port", 0, "relay port (overrides config/default)")
	return cmd
}
