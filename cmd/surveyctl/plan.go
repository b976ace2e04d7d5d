package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/joelkehle/survey-planner/internal/config"
	"github.com/joelkehle/survey-planner/internal/fast"
	"github.com/joelkehle/survey-planner/internal/fetch"
	"github.com/joelkehle/survey-planner/internal/planerr"
	"github.com/joelkehle/survey-planner/internal/planner"
)

func (g *globals) plannerClient(baseURL string) (*planner.Client, error) {
	cfg, logger, err := g.load()
	if err != nil {
		return nil, err
	}
	return planner.NewClient(newFetch(cfg, baseURL, cfg.Planner.BaseURL, logger), logger), nil
}

func newFetch(cfg *config.Config, override, fallback string, logger *slog.Logger) *fetch.Client {
	base := fallback
	if override != "" {
		base = override
	}
	return fetch.NewClient(fetch.Options{
		BaseURL:     base,
		MountPrefix: cfg.Planner.MountPrefix,
		Timeout:     cfg.Planner.Timeout,
		Logger:      logger,
	})
}

func requestFlags(cmd *cobra.Command, req *planner.PlanRequest) {
	cmd.Flags().StringVarP(&req.Prompt, "prompt", "p", "", "Survey brief")
	cmd.Flags().StringVar(&req.Title, "title", "", "Survey title")
	cmd.Flags().StringVar(&req.Type, "type", "", "Survey type")
	cmd.Flags().StringVar(&req.Language, "language", "English", "Survey language")
	cmd.Flags().IntVar(&req.NumQuestions, "questions", 0, "Target question count")
	cmd.Flags().IntVar(&req.NumPages, "pages", 0, "Target page count")
	_ = cmd.MarkFlagRequired("prompt")
}

func planCmd(g *globals) *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Drive a plan thread on the remote planner",
	}
	cmd.PersistentFlags().StringVar(&baseURL, "planner-url", "", "Planner base URL (overrides config)")

	var req planner.PlanRequest
	create := &cobra.Command{
		Use:   "create",
		Short: "Start a plan thread",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.plannerClient(baseURL)
			if err != nil {
				return err
			}
			res, err := c.CreatePlan(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	requestFlags(create, &req)

	get := &cobra.Command{
		Use:   "get <thread-id>",
		Short: "Show a plan thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.plannerClient(baseURL)
			if err != nil {
				return err
			}
			th, err := c.GetPlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), th)
		},
	}

	approve := &cobra.Command{
		Use:   "approve <thread-id>",
		Short: "Approve the current plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.plannerClient(baseURL)
			if err != nil {
				return err
			}
			th, err := c.ApprovePlan(cmd.Context(), args[0])
			if err != nil {
				return explain(err)
			}
			return printJSON(cmd.OutOrStdout(), th)
		},
	}

	var feedback string
	reject := &cobra.Command{
		Use:   "reject <thread-id>",
		Short: "Reject the current plan with feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.plannerClient(baseURL)
			if err != nil {
				return err
			}
			th, err := c.RejectPlan(cmd.Context(), args[0], feedback)
			if err != nil {
				return explain(err)
			}
			return printJSON(cmd.OutOrStdout(), th)
		},
	}
	reject.Flags().StringVar(&feedback, "feedback", "", "What to change in the next draft")

	var autoFix bool
	gvf := &cobra.Command{
		Use:   "validate <thread-id>",
		Short: "Run generate-validate-fix on an approved thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.plannerClient(baseURL)
			if err != nil {
				return err
			}
			res, err := c.GenerateValidateFix(cmd.Context(), args[0], autoFix)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	gvf.Flags().BoolVar(&autoFix, "auto-fix", true, "Ask the planner to repair issues it finds")

	cmd.AddCommand(create, get, approve, reject, gvf)
	return cmd
}

func fastCmd(g *globals) *cobra.Command {
	var (
		baseURL string
		req     planner.PlanRequest
	)
	cmd := &cobra.Command{
		Use:   "fast",
		Short: "Generate a survey structure in one call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			c := fast.NewClient(newFetch(cfg, baseURL, cfg.FastURL(), logger), logger)
			st, err := c.GenerateFast(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&baseURL, "fast-url", "", "Fast generation base URL (overrides config)")
	requestFlags(cmd, &req)
	return cmd
}

// explain appends the user-facing hint for a max-attempts failure.
func explain(err error) error {
	var pe *planerr.Error
	if errors.As(err, &pe) && pe.Kind == planerr.KindMaxAttemptsReached {
		return fmt.Errorf("%w\n%s", err, pe.UserMessage())
	}
	return err
}
