package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"afu9/internal/app"
	"afu9/internal/domain"
	"afu9/internal/engine"
	"afu9/internal/publish"
	"afu9/internal/repo"
	"afu9/internal/specgen"
)

func issueCmd() *cobra.Command {
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Manage issues",
		Long:  "Issues move through the pipeline one step at a time. Administrative commands here link GitHub references, bind change requests, record verdicts and release or kill issues.",
	}
	issue.AddCommand(issueCreateCmd())
	issue.AddCommand(issueListCmd())
	issue.AddCommand(issueShowCmd())
	issue.AddCommand(issueLinkCmd())
	issue.AddCommand(issueBindCmd())
	issue.AddCommand(issueVerdictCmd())
	issue.AddCommand(issueReleaseCmd())
	issue.AddCommand(issueKillCmd())
	return issue
}

func issueCreateCmd() *cobra.Command {
	var opts engine.CreateIssueOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Actor = actor()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				is, err := a.Engine.CreateIssue(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(is)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "issue id (generated if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Body, "body", "", "body")
	cmd.Flags().StringArrayVar(&opts.Labels, "label", nil, "label (repeatable)")
	cmd.Flags().StringVar(&opts.GitHubURL, "github-url", "", "GitHub issue URL")
	cmd.Flags().StringVar(&opts.PRURL, "pr-url", "", "pull request URL")
	cmd.Flags().StringVar(&opts.SourceSessionID, "session", "", "drafting session id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func issueListCmd() *cobra.Command {
	var status, assignee string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.IssueFilters{Assignee: assignee, Limit: limit}
			if status != "" {
				st, err := domain.ParseStatus(strings.ToUpper(status))
				if err != nil {
					return err
				}
				f.Status = st
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListIssues(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Handoff", "GitHub"})
				for _, is := range items {
					gh := ""
					if is.GitHubIssueNumber != nil {
						gh = "#" + strconv.Itoa(*is.GitHubIssueNumber)
					}
					tw.AppendRow(table.Row{is.ID, is.Title, is.Status, is.Assignee, is.HandoffState, gh})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum issues")
	return cmd
}

func issueShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				is, err := a.Repo.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				n, err := a.Repo.CountTimeline(ctx, is.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"issue": is, "events": n})
			})
		},
	}
}

func issueLinkCmd() *cobra.Command {
	var githubURL, prURL string
	cmd := &cobra.Command{
		Use:   "link <id>",
		Short: "Set or clear the GitHub issue and PR links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.LinkOptions{
				IssueID:   args[0],
				GitHubURL: optionalString(cmd, "github-url", githubURL),
				PRURL:     optionalString(cmd, "pr-url", prURL),
				Actor:     actor(),
			}
			if opts.GitHubURL == nil && opts.PRURL == nil {
				return fmt.Errorf("--github-url or --pr-url required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				is, err := a.Engine.LinkIssue(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(is)
			})
		},
	}
	cmd.Flags().StringVar(&githubURL, "github-url", "", "GitHub issue URL (empty clears)")
	cmd.Flags().StringVar(&prURL, "pr-url", "", "pull request URL (empty clears)")
	return cmd
}

func issueBindCmd() *cobra.Command {
	var opts engine.BindCROptions
	cmd := &cobra.Command{
		Use:   "bind <id>",
		Short: "Bind a change request to an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.IssueID = args[0]
			opts.Actor = actor()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cr, err := a.Engine.BindChangeRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(cr)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "change request title")
	cmd.Flags().StringVar(&opts.Motivation, "motivation", "", "motivation")
	cmd.Flags().StringArrayVar(&opts.Acceptance, "acceptance", nil, "acceptance criterion (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Labels, "label", nil, "label (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func issueVerdictCmd() *cobra.Command {
	var verdict, summary, source string
	cmd := &cobra.Command{
		Use:   "verdict <id>",
		Short: "Record a GREEN or RED verification verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.VerdictOptions{
				IssueID: args[0],
				Verdict: domain.Verdict(strings.ToUpper(verdict)),
				Summary: summary,
				Source:  source,
				Actor:   actor(),
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := a.Engine.RecordVerdict(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&verdict, "verdict", "", "GREEN or RED")
	cmd.Flags().StringVar(&summary, "summary", "", "summary")
	cmd.Flags().StringVar(&source, "source", "cli", "verdict source")
	_ = cmd.MarkFlagRequired("verdict")
	return cmd
}

func issueReleaseCmd() *cobra.Command {
	var status, reason string
	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Release an issue from HOLD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := domain.ParseStatus(strings.ToUpper(status))
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				is, err := a.Engine.ReleaseHold(ctx, args[0], to, reason, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(is)
			})
		},
	}
	cmd.Flags().StringVar(&status, "to", "", "status to return to")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func issueKillCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "kill <id>",
		Short: "Kill an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				is, err := a.Engine.Kill(ctx, args[0], reason, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(is)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func draftCmd() *cobra.Command {
	draft := &cobra.Command{
		Use:   "draft",
		Short: "Manage session drafts",
		Long:  "A draft holds the issue JSON of a drafting session. It must validate and be committed before S2 can bind it.",
	}
	draft.AddCommand(draftSaveCmd())
	draft.AddCommand(&cobra.Command{
		Use:   "validate <session>",
		Short: "Validate a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := a.Engine.ValidateDraft(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	})
	draft.AddCommand(&cobra.Command{
		Use:   "commit <session>",
		Short: "Commit a draft as a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := a.Engine.CommitDraft(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	})
	draft.AddCommand(draftGenerateCmd())
	return draft
}

func draftSaveCmd() *cobra.Command {
	var file, issueJSON string
	cmd := &cobra.Command{
		Use:   "save <session>",
		Short: "Save the issue JSON of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				issueJSON = string(data)
			}
			if issueJSON == "" {
				return fmt.Errorf("--file or --json required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.SaveDraft(ctx, args[0], issueJSON)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to issue JSON")
	cmd.Flags().StringVar(&issueJSON, "json", "", "inline issue JSON")
	return cmd
}

func draftGenerateCmd() *cobra.Command {
	var req specgen.Request
	cmd := &cobra.Command{
		Use:   "generate <session>",
		Short: "Generate a draft from notes with the configured model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.SessionID = args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Specgen == nil {
					return fmt.Errorf("draft generation is not configured; set %s", a.Config.Specgen.APIKeyEnv)
				}
				res, err := a.Specgen.Generate(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "working title")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "free-form notes")
	cmd.Flags().StringArrayVar(&req.Labels, "label", nil, "suggested label (repeatable)")
	return cmd
}

func publishCmd() *cobra.Command {
	var req publish.Request
	cmd := &cobra.Command{
		Use:   "publish <issue>",
		Short: "Publish an issue to GitHub",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.IssueID = args[0]
			req.Actor = actor()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Publisher.Publish(ctx, req)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("publish failed: %s", res.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Owner, "owner", "", "target owner (overrides config)")
	cmd.Flags().StringVar(&req.Repo, "repo", "", "target repository (overrides config)")
	cmd.Flags().StringVar(&req.RequestID, "request-id", "", "request id")
	return cmd
}

func timelineCmd() *cobra.Command {
	var f repo.TimelineFilters
	cmd := &cobra.Command{
		Use:   "timeline <issue>",
		Short: "Show the event timeline of an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.IssueID = args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Repo.GetIssue(ctx, f.IssueID); err != nil {
					return err
				}
				items, err := a.Repo.ListTimeline(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Actor", "Step", "After"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.CreatedAt, e.EventType, e.Actor, e.EventData["step"], e.EventData["stateAfter"]})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum events")
	cmd.Flags().Int64Var(&f.Cursor, "cursor", 0, "return events older than this id")
	cmd.Flags().StringVar(&f.EventType, "type", "", "event type filter")
	return cmd
}
