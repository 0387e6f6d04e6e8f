package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"aegis/internal/alert"
	"aegis/internal/engine"
	"aegis/internal/reactor"
)

func newScanCommand(c *cli) *cobra.Command {
	var (
		severity string
		message  string
		source   string
		dry      bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Match one alert against the playbook library",
		Long: "Builds a synthetic alert from the flags and runs it through the reactor.\n" +
			"With --dry the decision pipeline is evaluated but nothing executes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}

			sev, err := alert.ParseSeverity(severity)
			if err != nil {
				return err
			}
			a := alert.Alert{
				ID:        uuid.NewString(),
				Severity:  sev,
				Message:   message,
				Source:    source,
				Timestamp: time.Now(),
			}

			if dry {
				entries, err := c.loop.Reactor().Plan(a)
				if err != nil {
					return err
				}
				printPlan(entries)
				return nil
			}

			results, err := c.loop.Reactor().React(cmd.Context(), a)
			if err != nil {
				return err
			}
			printReactions(results)
			return nil
		},
	}

	cmd.Flags().StringVar(&severity, "severity", "warn", "Alert severity (info, warn, crit)")
	cmd.Flags().StringVar(&message, "message", "", "Alert message to match against playbook patterns")
	cmd.Flags().StringVar(&source, "source", "cli", "Alert source")
	cmd.Flags().BoolVar(&dry, "dry", false, "Evaluate only, execute nothing")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func printPlan(entries []reactor.PlanEntry) {
	if len(entries) == 0 {
		fmt.Println(gray("no playbook matches"))
		return
	}
	for _, entry := range entries {
		line := fmt.Sprintf("%s  %d action(s), max risk %s, cooldown %s",
			bold(entry.PlaybookID), entry.Actions, entry.MaxRisk, entry.EffectiveCooldown)
		switch {
		case entry.Blocked != "":
			fmt.Printf("%s  %s\n", line, yellow("would not run: "+entry.Blocked))
		case entry.WouldDefer:
			fmt.Printf("%s  %s\n", line, yellow("would defer for approval"))
		default:
			fmt.Printf("%s  %s\n", line, green("would execute"))
		}
	}
}

func printReactions(results []reactor.ReactionResult) {
	if len(results) == 0 {
		fmt.Println(gray("no playbook matches"))
		return
	}
	for _, result := range results {
		header := fmt.Sprintf("%s %s", bold(result.PlaybookID), gray("decision "+result.DecisionID))
		switch result.Disposition {
		case reactor.DispositionExecuted:
			if result.Succeeded() {
				fmt.Printf("%s %s\n", header, green("executed"))
			} else {
				fmt.Printf("%s %s\n", header, red("executed with failures"))
			}
		case reactor.DispositionDeferred:
			fmt.Printf("%s %s %s\n", header, yellow("deferred"), gray(result.Reason))
		default:
			fmt.Printf("%s %s %s\n", header, yellow("skipped"), gray(result.Reason))
		}
		for _, action := range result.Actions {
			switch {
			case action.Skipped:
				fmt.Printf("  %s %s %s\n", gray("-"), action.Target, gray(action.Detail))
			case action.Success:
				fmt.Printf("  %s %s %s\n", green("ok"), action.Target, gray(action.Latency.Round(time.Millisecond).String()))
			default:
				fmt.Printf("  %s %s %s\n", red("failed"), action.Target, gray(action.Detail))
			}
		}
	}
}

func newStatusCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue, breaker, and fuse state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}

			status := c.loop.Reactor().Status()
			now := time.Now()

			fmt.Printf("%s\n", bold("aegis status"))
			fmt.Printf("  playbooks:        %d\n", status.Playbooks)
			fmt.Printf("  queue depth:      %d\n", c.loop.Engine().QueueDepth())
			fmt.Printf("  pending approval: %d\n", len(c.loop.Engine().PendingApprovals()))
			fmt.Printf("  hourly runs:      %d\n", c.loop.Guardrails().HourlyCount(now))
			fmt.Printf("  budget pressure:  %.2f\n", c.loop.Guardrails().Pressure(now))

			if status.FuseTripped {
				fmt.Printf("  fuse:             %s (%d failures in window)\n", red("TRIPPED"), status.FuseFailures)
			} else {
				fmt.Printf("  fuse:             %s (%d failures in window)\n", green("ok"), status.FuseFailures)
			}

			if len(status.Breakers) > 0 {
				fmt.Printf("\n%s\n", bold("circuit breakers"))
				for _, breaker := range status.Breakers {
					state := green(breaker.State)
					if breaker.State != "closed" {
						state = red(breaker.State)
					}
					fmt.Printf("  %-30s %s  failures=%d\n", breaker.Key, state, breaker.FailureCount)
				}
			}
			return nil
		},
	}
}

func newHistoryCommand(c *cli) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent terminal action records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}

			records := c.loop.Engine().History(limit)
			if len(records) == 0 {
				fmt.Println(gray("no history"))
				return nil
			}
			for _, record := range records {
				var status string
				switch record.Status {
				case engine.StatusSucceeded:
					status = green(string(record.Status))
				case engine.StatusFailed:
					status = red(string(record.Status))
				default:
					status = yellow(fmt.Sprintf("%s (%s)", record.Status, record.SkipCode))
				}
				fmt.Printf("%s  %-9s %s %s %s\n",
					printTimestamp(record.CompletedAt), status, record.Action.Kind,
					record.Action.Target, gray(record.ID))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum records to show")
	return cmd
}

func newApproveCommand(c *cli) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "approve [record-id]",
		Short: "Approve a deferred high-risk action and run it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}

			pending := c.loop.Engine().PendingApprovals()
			if len(pending) == 0 {
				fmt.Println(gray("nothing pending approval"))
				return nil
			}

			var target engine.Record
			if len(args) == 1 {
				found := false
				for _, record := range pending {
					if record.ID == args[0] {
						target = record
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("record %q is not pending approval", args[0])
				}
			} else {
				items := make([]string, 0, len(pending))
				for _, record := range pending {
					items = append(items, fmt.Sprintf("%s  %s %s", record.ID, record.Action.Kind, record.Action.Target))
				}
				prompt := promptui.Select{Label: "Pending approvals", Items: items}
				index, _, err := prompt.Run()
				if err != nil {
					return err
				}
				target = pending[index]
			}

			if !yes {
				confirm := promptui.Prompt{
					Label:     fmt.Sprintf("Run %s %q", target.Action.Kind, target.Action.Target),
					IsConfirm: true,
				}
				if _, err := confirm.Run(); err != nil {
					fmt.Println(gray("aborted"))
					return nil
				}
			}

			record, err := c.loop.Engine().Approve(target.ID)
			if err != nil {
				return err
			}
			results := c.loop.Engine().RunBatch(cmd.Context(), 0)
			for _, result := range results {
				if result.ID != record.ID {
					continue
				}
				if result.Status == engine.StatusSucceeded {
					fmt.Printf("%s %s\n", green("executed"), gray(result.Detail))
				} else {
					fmt.Printf("%s %s\n", red(string(result.Status)), gray(result.Detail))
				}
				return nil
			}
			fmt.Println(yellow("approved; execution deferred to the next batch"))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func newResetCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset protective state",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "breaker <key>",
		Short: "Close the circuit breaker for a playbook id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}
			if !c.loop.Reactor().ResetBreaker(args[0]) {
				fmt.Printf("%s\n", yellow(fmt.Sprintf("no breaker known for %q", args[0])))
				return nil
			}
			fmt.Printf("%s\n", green(fmt.Sprintf("breaker %q reset to closed", args[0])))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "fuse",
		Short: "Clear the global fuse and its failure window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}
			c.loop.Reactor().ResetFuse()
			fmt.Printf("%s\n", green("fuse reset"))
			return nil
		},
	})

	return cmd
}
