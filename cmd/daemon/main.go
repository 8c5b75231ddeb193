package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/genricoloni/solo/internal/client"
	"github.com/genricoloni/solo/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "solo",
		Short: "Keep a single media player playing",
		Long: `solo watches the media players on this desktop and remote agents
connected over the control API. When one starts playing, every other one
is paused. Playback speed and volume are remembered per source.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}

	var addr string
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "Control API address for client commands (defaults to the configured one)")
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the daemon (the default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	})
	cmd.AddCommand(stateCmd(&addr), pauseCmd(&addr), speedCmd(&addr), volumeCmd(&addr))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "solo version %s\n", version)
		},
	})
	return cmd
}

func runDaemon() error {
	app := fx.New(AppOptions)

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	return app.Stop(stopCtx)
}

// apiClient builds a control API client for addr, or for the configured
// address when addr is empty
func apiClient(addr string) (*client.Client, error) {
	if addr == "" {
		cfg, err := config.Load(os.LookupEnv)
		if err != nil {
			return nil, err
		}
		addr = cfg.GetListenAddr()
	}
	return client.New(zap.NewNop(), addr), nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// stateCmd prints the daemon's current registry
func stateCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the registry of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(*addr)
			if err != nil {
				return err
			}
			snap, err := c.State(cmd.Context())
			if err != nil {
				return fmt.Errorf("daemon unreachable: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func pauseCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <context>",
		Short: "Pause every producer of a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(*addr)
			if err != nil {
				return err
			}
			rec, err := c.Pause(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func speedCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "speed <context> <rate>",
		Short: "Set the playback rate of a context",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rate, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid rate %q: %w", args[1], err)
			}
			c, err := apiClient(*addr)
			if err != nil {
				return err
			}
			res, err := c.SetSpeed(cmd.Context(), args[0], rate)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func volumeCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "volume <context> <multiplier>",
		Short: "Set the volume multiplier of a context",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mult, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid multiplier %q: %w", args[1], err)
			}
			c, err := apiClient(*addr)
			if err != nil {
				return err
			}
			res, err := c.SetVolume(cmd.Context(), args[0], mult)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}
