package cli

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"influence/internal/models"
	"influence/internal/pipeline"
	"influence/internal/quality"
	"influence/pkg/platform/strings"
)

// allSources selects every registered source.
const allSources = "all"

type ingestOutput struct {
	Report  *pipeline.RunReport `json:"report"`
	Quality *quality.Report     `json:"quality,omitempty"`
}

func newIngestCommand(g *globals) *cobra.Command {
	var (
		sourceList  string
		dryRun      bool
		since       string
		page        int
		withQuality bool
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Pull records from the providers and persist them",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&sourceList, "sources", allSources, "comma-separated sources, or all")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "fetch, resolve and classify without writing")
	cmd.Flags().StringVar(&since, "since", "", "skip records dated before this day (YYYY-MM-DD)")
	cmd.Flags().IntVar(&page, "page", 1, "page to start every source at")
	cmd.Flags().BoolVar(&withQuality, "quality", false, "append a data quality report")

	cmd.RunE = runWithApp(g, func(ctx context.Context, a *app) error {
		req, err := ingestRequest(sourceList, since, page, dryRun)
		if err != nil {
			return err
		}
		if err := a.withCache(ctx); err != nil {
			return err
		}
		if err := a.withProducer(ctx); err != nil {
			return err
		}
		p, err := a.pipeline()
		if err != nil {
			return err
		}
		report, err := p.RunIngestion(ctx, req)
		if err != nil {
			return err
		}
		out := ingestOutput{Report: report}
		if withQuality {
			m, err := a.monitor()
			if err != nil {
				return err
			}
			// the run's context may be cancelled; the report is still wanted
			if out.Quality, err = m.Report(context.WithoutCancel(ctx)); err != nil {
				return err
			}
		}
		for _, sr := range report.Sources {
			if sr.Outcome != pipeline.OutcomeCompleted {
				a.logger.WarnContext(ctx, "source did not complete",
					"source", sr.Source,
					"outcome", sr.Outcome,
					"next_cursor", sr.NextCursor,
				)
			}
		}
		return writeJSON(g.stdout, out)
	})
	return cmd
}

func ingestRequest(sourceList, since string, page int, dryRun bool) (pipeline.RunRequest, error) {
	req := pipeline.RunRequest{DryRun: dryRun, StartPage: page}
	if page < 1 {
		return req, fmt.Errorf("--page must be at least 1")
	}
	names := strings.SplitList(sourceList)
	if !slices.Contains(names, allSources) {
		for _, name := range names {
			s := models.SourceID(name)
			if !s.IsValid() {
				return req, fmt.Errorf("unknown source %q", name)
			}
			req.Sources = append(req.Sources, s)
		}
	}
	if since != "" {
		t, err := time.Parse(time.DateOnly, since)
		if err != nil {
			return req, fmt.Errorf("--since: %w", err)
		}
		req.Since = t
	}
	return req, nil
}
