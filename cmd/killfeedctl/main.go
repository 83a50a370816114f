package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/abakedjoetato/killfeed/internal/app"
	"github.com/abakedjoetato/killfeed/internal/config"
	"github.com/abakedjoetato/killfeed/internal/logging"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli carries the root flags to every subcommand.
type cli struct {
	configFile string
	logLevel   string
	out        io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	var cmdRoot = &cobra.Command{
		Use:     "killfeedctl",
		Short:   "killfeed command line utility",
		Long:    `Parse game server logs and query kill statistics from the configured store`,
		Version: version,
	}
	cmdRoot.PersistentFlags().StringVarP(&c.configFile, "config", "c", "config.yaml", "load configuration from file")
	cmdRoot.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmdRoot.SetOut(out)

	cmdRoot.AddCommand(c.cmdParse())
	cmdRoot.AddCommand(c.cmdBackfill())
	cmdRoot.AddCommand(c.cmdReset())
	cmdRoot.AddCommand(c.cmdStats())
	cmdRoot.AddCommand(c.cmdLeaderboard())
	cmdRoot.AddCommand(c.cmdWeapons())
	cmdRoot.AddCommand(c.cmdFactions())
	cmdRoot.AddCommand(c.cmdProgress())
	cmdRoot.AddCommand(c.cmdToggle(true))
	cmdRoot.AddCommand(c.cmdToggle(false))
	cmdRoot.AddCommand(c.cmdFeed())
	return cmdRoot
}

// withApp loads the configuration, opens the stores, runs fn and closes
// them again.
func (c *cli) withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(c.configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := logging.New(logging.Config{Level: c.logLevel, Format: "console", Output: os.Stderr})

	a, err := app.Open(cfg, app.Options{Logger: logger})
	if err != nil {
		return err
	}
	if err := fn(ctx, a); err != nil {
		a.Close()
		return err
	}
	return a.Close()
}

func (c *cli) print(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("json: %w", err)
	}
	_, err = fmt.Fprintf(c.out, "%s\n", data)
	return err
}
