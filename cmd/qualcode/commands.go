package main

import (
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/qualcode"
	"github.com/brunobiangulo/qualcode/eval"
	"github.com/brunobiangulo/qualcode/excel"
)

func newConsolidateCmd(opts *rootOptions) *cobra.Command {
	var (
		name     string
		output   string
		stages   []string
		dryRun   bool
		question string
		seed     uint64
	)
	cmd := &cobra.Command{
		Use:   "consolidate <threads.json|codebook.xlsx>",
		Short: "Merge and refine the codes of a coded analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			analysis, err := readAnalysis(args[0])
			if err != nil {
				return err
			}
			cc := &opts.cfg.Consolidation
			if cmd.Flags().Changed("stages") {
				cc.Stages = stages
			}
			if dryRun {
				cc.DryRun = true
			}
			if question != "" {
				cc.Question = question
			}
			if cmd.Flags().Changed("seed") {
				cc.Seed = seed
			}
			if name == "" {
				name = nameFromPath(args[0])
			}

			e, err := opts.engine()
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.Consolidate(cmd.Context(), name, analysis)
			if err != nil {
				return err
			}
			if output != "" {
				if err := writeCodebook(output, res.Codebook); err != nil {
					return err
				}
			}
			printRun(cmd, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Name to store the codebook under (default: input file name)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the consolidated codebook to a .json or .xlsx file")
	cmd.Flags().StringSliceVar(&stages, "stages", nil, "Consolidation stages in order (alternative, simple, definition, refine, category)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Estimate tokens without calling the chat model")
	cmd.Flags().StringVar(&question, "question", "", "Research question shown to the model")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed")
	return cmd
}

func newReferenceCmd(opts *rootOptions) *cobra.Command {
	var (
		name     string
		output   string
		refining bool
		strict   bool
	)
	cmd := &cobra.Command{
		Use:   "reference <codebook>...",
		Short: "Build a reference codebook from several codebooks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codebooks, err := readCodebooks(args)
			if err != nil {
				return err
			}
			if refining {
				opts.cfg.Consolidation.Refining = true
			}
			if strict {
				opts.cfg.Consolidation.Strict = true
			}

			e, err := opts.engine()
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.BuildReference(cmd.Context(), name, codebooks)
			if err != nil {
				return err
			}
			if output != "" {
				if err := writeCodebook(output, res.Codebook); err != nil {
					return err
				}
			}
			printRun(cmd, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "reference", "Name to store the reference under")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the reference to a .json or .xlsx file")
	cmd.Flags().BoolVar(&refining, "refining", false, "Add LLM-judged merge passes after the simple merge")
	cmd.Flags().BoolVar(&strict, "strict", false, "Fail when the sanity check finds lost codes")
	return cmd
}

func newEvaluateCmd(opts *rootOptions) *cobra.Command {
	var (
		referencePath string
		names         []string
		weights       []float64
		xlsxPath      string
		jsonPath      string
	)
	cmd := &cobra.Command{
		Use:   "evaluate --reference <codebook> <codebook>...",
		Short: "Score codebooks against a reference over the semantic graph",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := readCodebook(referencePath)
			if err != nil {
				return fmt.Errorf("reading reference: %w", err)
			}
			codebooks, err := readCodebooks(args)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				for _, p := range args {
					names = append(names, nameFromPath(p))
				}
			}
			if len(names) != len(args) {
				return fmt.Errorf("got %d names for %d codebooks", len(names), len(args))
			}
			if len(weights) > 0 && len(weights) != len(args) {
				return fmt.Errorf("got %d weights for %d codebooks", len(weights), len(args))
			}

			e, err := opts.engine()
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.Evaluate(cmd.Context(), qualcode.EvaluateInput{
				Reference: ref,
				Codebooks: codebooks,
				Names:     names,
				Weights:   weights,
			})
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), eval.FormatReport(res.Results, res.Clusters))
			if xlsxPath != "" {
				if err := excel.WriteEvaluation(xlsxPath, res.Results, res.Clusters); err != nil {
					return err
				}
				slog.Info("qualcode: evaluation workbook written", "path", xlsxPath)
			}
			if jsonPath != "" {
				return writeJSON(jsonPath, res)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&referencePath, "reference", "r", "", "Reference codebook (.json or .xlsx)")
	cmd.Flags().StringSliceVar(&names, "names", nil, "Codebook names, parallel to the arguments (default: file names)")
	cmd.Flags().Float64SliceVar(&weights, "weights", nil, "Codebook weights, parallel to the arguments")
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "Write results and per-cluster scores to a workbook")
	cmd.Flags().StringVar(&jsonPath, "json", "", "Write the full evaluation, graph included, as JSON (- for stdout)")
	_ = cmd.MarkFlagRequired("reference")
	return cmd
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "import <codebook>",
		Short: "Store a codebook file in the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cb, err := readCodebook(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				name = nameFromPath(args[0])
			}

			e, err := opts.engine()
			if err != nil {
				return err
			}
			defer e.Close()

			if _, err := e.Store().SaveCodebook(cmd.Context(), "", name, cb); err != nil {
				return fmt.Errorf("saving codebook: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s: %d codes\n", name, cb.Len())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Name to store the codebook under (default: file name)")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <name>",
		Short: "Write the latest stored codebook with a name to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.engine()
			if err != nil {
				return err
			}
			defer e.Close()

			cb, err := e.Store().LoadCodebook(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if output == "" {
				output = args[0] + ".xlsx"
			}
			if err := writeCodebook(output, cb); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %s: %d codes to %s\n", args[0], cb.Len(), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file, .json or .xlsx (default: <name>.xlsx)")
	return cmd
}

func newRunsCmd(opts *rootOptions) *cobra.Command {
	var (
		kind      string
		limit     int
		codebooks bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs or stored codebooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.engine()
			if err != nil {
				return err
			}
			defer e.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			defer tw.Flush()

			if codebooks {
				list, err := e.Store().ListCodebooks(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "ID\tNAME\tCODES\tRUN\tCREATED")
				for _, c := range list {
					fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", c.ID, c.Name, c.Codes, c.RunID, c.CreatedAt)
				}
				return nil
			}

			runs, err := e.Store().ListRuns(cmd.Context(), kind, limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tTHREADS\tSTARTED\tERROR")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", r.ID, r.Kind, r.Status, r.Threads, r.StartedAt, r.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by run kind (consolidate, reference, evaluate)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	cmd.Flags().BoolVar(&codebooks, "codebooks", false, "List stored codebooks instead of runs")
	return cmd
}

func printRun(cmd *cobra.Command, res *qualcode.RunResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run:     %s\n", res.RunID)
	fmt.Fprintf(out, "codes:   %d\n", res.Codes)
	if res.EstimatedTokens > 0 {
		fmt.Fprintf(out, "estimated tokens: %d\n", res.EstimatedTokens)
	}
	fmt.Fprintf(out, "tokens:  %d prompt, %d completion (%d requests, %d cached)\n",
		res.Usage.PromptTokens, res.Usage.CompletionTokens, res.Usage.Requests, res.Usage.CacheHits)
	fmt.Fprintf(out, "elapsed: %dms\n", res.ElapsedMs)
	if res.Codes == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: result has no codes")
	}
}
