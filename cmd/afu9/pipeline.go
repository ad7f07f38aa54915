package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"afu9/internal/app"
	"afu9/internal/domain"
	"afu9/internal/engine"
	"afu9/internal/loop"
)

type stepFlags struct {
	dryRun    bool
	requestID string
	params    engine.Params
}

func (f *stepFlags) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "evaluate without side effects")
	cmd.Flags().StringVar(&f.requestID, "request-id", "", "request id")
	cmd.Flags().StringVar(&f.params.RemediationReason, "reason", "", "remediation reason (S9)")
	cmd.Flags().StringVar(&f.params.FailedStep, "failed-step", "", "failed step (S9)")
	cmd.Flags().StringVar(&f.params.BlockerCode, "blocker-code", "", "blocker code (S9)")
	cmd.Flags().StringVar(&f.params.RedVerdict, "red-verdict", "", "red verdict id (S9)")
	cmd.Flags().StringArrayVar(&f.params.FailedChecks, "failed-check", nil, "failed check (S9, repeatable)")
	cmd.Flags().StringVar(&f.params.ClosureReason, "closure-reason", "", "closure reason (S8)")
	cmd.Flags().StringVar(&f.params.MergeMethod, "merge-method", "", "merge, squash or rebase (S5)")
}

func (f *stepFlags) mode() domain.Mode {
	if f.dryRun {
		return domain.ModeDryRun
	}
	return domain.ModeExecute
}

func stepCmd() *cobra.Command {
	var flags stepFlags
	cmd := &cobra.Command{
		Use:   "step <step> <issue>",
		Short: "Run one pipeline step on an issue",
		Long:  "Runs one step, named by id (S5_MERGE), prefix (S5) or action (merge). A blocked step exits non-zero and leaves the issue unchanged.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := domain.ParseStep(args[0])
			if err != nil {
				return err
			}
			req := loop.Request{
				IssueID:   args[1],
				Step:      step,
				RequestID: flags.requestID,
				Actor:     actor(),
				Mode:      flags.mode(),
				Params:    flags.params,
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Loop.Run(ctx, req)
				if err != nil {
					return err
				}
				last, ok := out.Last()
				if !ok {
					return fmt.Errorf("run %s recorded no step", out.Run.ID)
				}
				if err := printJSONOrTable(stepOutput{RunID: out.Run.ID, StepResult: last}); err != nil {
					return err
				}
				if last.Blocked {
					return fmt.Errorf("%s blocked: %s", step, last.BlockerCode)
				}
				return nil
			})
		},
	}
	flags.bind(cmd)
	return cmd
}

type stepOutput struct {
	RunID string `json:"runId"`
	loop.StepResult
}

func loopCmd() *cobra.Command {
	lp := &cobra.Command{
		Use:   "loop",
		Short: "Drive issues through the pipeline",
		Long:  "The loop runs the next applicable step until the issue blocks, stops advancing or reaches the step limit. Every run is recorded with its steps.",
	}
	lp.AddCommand(loopRunCmd())
	lp.AddCommand(loopHistoryCmd())
	lp.AddCommand(loopBatchCmd())
	return lp
}

func loopRunCmd() *cobra.Command {
	var flags stepFlags
	var step string
	var maxSteps int
	cmd := &cobra.Command{
		Use:   "run <issue>",
		Short: "Run the loop on one issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := loop.Request{
				IssueID:   args[0],
				Actor:     actor(),
				RequestID: flags.requestID,
				Mode:      flags.mode(),
				Params:    flags.params,
				MaxSteps:  maxSteps,
			}
			if step != "" {
				s, err := domain.ParseStep(step)
				if err != nil {
					return err
				}
				req.Step = s
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Loop.Run(ctx, req)
				if out.Run.ID != "" {
					printOutcome(out)
				}
				return err
			})
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&step, "step", "", "run only this step")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "step limit (defaults to loop.max_steps)")
	return cmd
}

func printOutcome(out loop.Outcome) {
	if viper.GetBool("json") {
		_ = printJSON(out)
		return
	}
	fmt.Printf("Run %s: %s (%s)\n", out.Run.ID, out.Run.Status, out.StopReason)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Step", "Before", "After", "Result", "Message"})
	for i, r := range out.Results {
		result := "ok"
		switch {
		case r.Blocked:
			result = string(r.BlockerCode)
		case r.Idempotent:
			result = "noop"
		}
		tw.AppendRow(table.Row{i + 1, r.Step, r.StateBefore, r.StateAfter, result, r.Message})
	}
	tw.Render()
}

func loopHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <issue>",
		Short: "List loop runs of an issue, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runs, err := a.Loop.History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Mode", "Actor", "Created", "Error"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.Status, r.Mode, r.Actor, r.CreatedAt, r.ErrorMessage})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs")
	return cmd
}

func loopBatchCmd() *cobra.Command {
	var dryRun bool
	var maxSteps int
	cmd := &cobra.Command{
		Use:   "batch <issue>...",
		Short: "Run the loop on several distinct issues concurrently",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := domain.ModeExecute
			if dryRun {
				mode = domain.ModeDryRun
			}
			reqs := make([]loop.Request, 0, len(args))
			for _, id := range args {
				reqs = append(reqs, loop.Request{IssueID: id, Actor: actor(), Mode: mode, MaxSteps: maxSteps})
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Loop.RunBatch(ctx, reqs)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Issue", "Run", "Stop", "Steps", "Error"})
				for _, it := range items {
					row := table.Row{it.IssueID, "", "", 0, it.Error}
					if it.Outcome != nil {
						row = table.Row{it.IssueID, it.Outcome.Run.ID, it.Outcome.StopReason, len(it.Outcome.Results), it.Error}
					}
					tw.AppendRow(row)
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate without side effects")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "step limit per issue")
	return cmd
}
