package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"aegis/internal/config"
	"aegis/internal/logging"
	"aegis/internal/loop"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func failText(msg string) string {
	return red("error: " + msg)
}

// cli carries state shared by the subcommands.
type cli struct {
	configPath string
	cfg        *config.Config
	loop       *loop.Loop
}

// initialize loads config, configures logging, and assembles the loop.
// Called lazily by commands that need the full stack.
func (c *cli) initialize() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg

	if err := logging.Configure(cfg.LogFile, logging.ParseLevel(cfg.LogLevel), cfg.LogFile == ""); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	l, err := loop.New(cfg, logging.NewComponentLogger("loop"))
	if err != nil {
		return err
	}
	c.loop = l
	return nil
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "aegis",
		Short: "Autonomic remediation loop",
		Long: "aegis watches alerts, matches them against remediation playbooks, and\n" +
			"executes the resulting actions under guardrails, circuit breakers, and a\n" +
			"global fuse.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Config file (default: ./aegis.yaml)")

	rootCmd.AddCommand(newRunCommand(c))
	rootCmd.AddCommand(newScanCommand(c))
	rootCmd.AddCommand(newStatusCommand(c))
	rootCmd.AddCommand(newHistoryCommand(c))
	rootCmd.AddCommand(newApproveCommand(c))
	rootCmd.AddCommand(newResetCommand(c))
	return rootCmd
}

func newRunCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the control loop daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Printf("%s %s\n", green("aegis running"),
				gray(fmt.Sprintf("(%d playbooks, %d workers)", c.loop.Library().Len(), c.cfg.Scheduler.Workers)))
			err := c.loop.Run(ctx)
			fmt.Println(gray("shutting down"))
			return err
		},
	}
}

func printTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}
