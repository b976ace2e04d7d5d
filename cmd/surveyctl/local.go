package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joelkehle/survey-planner/internal/export"
	"github.com/joelkehle/survey-planner/internal/normalize"
)

func normalizeCmd() *cobra.Command {
	var showRule bool
	cmd := &cobra.Command{
		Use:   "normalize <file|->",
		Short: "Convert a plan document to a canonical survey structure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			st, rule, err := normalize.NormalizeRule(raw)
			if err != nil {
				return err
			}
			if showRule {
				fmt.Fprintf(cmd.ErrOrStderr(), "matched rule: %s\n", rule)
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().BoolVar(&showRule, "rule", false, "Report the matching rule on stderr")
	return cmd
}

func exportCmd() *cobra.Command {
	var (
		format     string
		name       string
		output     string
		chromePath string
	)
	cmd := &cobra.Command{
		Use:   "export <file|->",
		Short: "Render a plan document as markdown, HTML or PDF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			st, err := normalize.Normalize(raw)
			if err != nil {
				return err
			}

			var out []byte
			switch strings.ToLower(format) {
			case "md", "markdown":
				out = []byte(export.Markdown(name, st))
			case "html":
				doc, err := export.HTML(name, st)
				if err != nil {
					return err
				}
				out = []byte(doc)
			case "pdf":
				if output == "" {
					return fmt.Errorf("--output is required for pdf")
				}
				out, err = export.NewPDFRenderer(chromePath).Render(cmd.Context(), name, st)
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q (want md, html or pdf)", format)
			}

			if output == "" {
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			return os.WriteFile(output, out, 0o644)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "md", "Output format: md, html or pdf")
	cmd.Flags().StringVar(&name, "name", "", "Survey name used as the document title")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (default stdout)")
	cmd.Flags().StringVar(&chromePath, "chrome", "", "Chromium binary for pdf output")
	return cmd
}
