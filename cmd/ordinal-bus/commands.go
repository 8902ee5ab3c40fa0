package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ordinal-bus/internal/domain"
	"ordinal-bus/internal/usecase"
)

func (c *cli) newAskCmd() *cobra.Command {
	var (
		askContext string
		urgency    string
		timeout    int
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the oracle and wait for the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.svc.Call(cmd.Context(), usecase.CallInput{
				Question:       strings.Join(args, " "),
				Context:        askContext,
				Urgency:        urgency,
				TimeoutSeconds: timeout,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), usecase.RenderCall(out))
			if out.Status == domain.StatusTimeout {
				return reported{errTimedOut}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&askContext, "context", "", "Background for the oracle")
	cmd.Flags().StringVar(&urgency, "urgency", "normal", "Urgency (low|normal|high|critical)")
	cmd.Flags().IntVar(&timeout, "timeout", usecase.DefaultTimeoutSeconds, "Seconds to wait for an answer")
	return cmd
}

func (c *cli) newRespondCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "respond <request-id> <answer>",
		Short: "Answer a pending oracle call",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			out, err := c.svc.Respond(cmd.Context(), usecase.RespondInput{ID: id, Answer: strings.Join(args[1:], " ")})
			if usecase.CodeOf(err) == usecase.ErrorNotFound {
				fmt.Fprintln(cmd.OutOrStdout(), usecase.RenderNotFound(id))
				return reported{err}
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), usecase.RenderRespond(out))
			return nil
		},
	}
}

func (c *cli) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show bus counts and pending requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := c.svc.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), usecase.RenderStatus(out))
			return nil
		},
	}
}

func (c *cli) newPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List oracle calls waiting for an answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reqs, err := c.svc.Pending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), usecase.RenderPending(reqs))
			return nil
		},
	}
}

func (c *cli) newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show archived exchanges, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			exchanges, err := c.svc.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), usecase.RenderHistory(exchanges))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", usecase.DefaultHistoryLimit, "Maximum exchanges to show")
	return cmd
}

func (c *cli) newArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <request-id>",
		Short: "Archive an open exchange by hand",
		Long:  "Archive an open exchange whose caller has gone away. Unanswered requests are archived as timed out.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := c.svc.Archive(cmd.Context(), args[0])
			if usecase.CodeOf(err) == usecase.ErrorNotFound {
				fmt.Fprintln(cmd.OutOrStdout(), usecase.RenderNotFound(args[0]))
				return reported{err}
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), usecase.RenderArchive(args[0], status))
			return nil
		},
	}
}

func (c *cli) newSweepCmd() *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Finalize exchanges abandoned by crashed callers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("grace") {
				grace = c.cfg.SweepGrace
			}
			sweeper, err := c.newSweeper(grace)
			if err != nil {
				return err
			}
			report, err := sweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"Swept %d exchange(s): %d answered, %d timed out, %d recovered from staging, %d orphan response(s) quarantined.\n",
				report.Total(), report.Answered, report.TimedOut, report.Recovered, report.Quarantined)
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", usecase.DefaultSweepGrace, "How long past its deadline a request must be before it is swept")
	return cmd
}
