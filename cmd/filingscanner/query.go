package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"FilingScanner/internal/app"
	"FilingScanner/internal/domain"
	"FilingScanner/internal/ports"
)

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseDay(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: want YYYY-MM-DD", raw)
	}
	return t, nil
}

func filingsCmd() *cobra.Command {
	var (
		from, to, form, category, company, state string
		limit                                    int
	)
	cmd := &cobra.Command{
		Use:   "filings",
		Short: "List filings with their processing state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := ports.FilingQuery{FilingType: form, Company: company, Limit: limit}
			var err error
			if q.From, err = parseDay(from); err != nil {
				return err
			}
			if q.To, err = parseDay(to); err != nil {
				return err
			}
			if category != "" {
				c, ok := domain.ParseCategory(category)
				if !ok {
					return fmt.Errorf("unknown event category %q", category)
				}
				q.Category = c
			}
			if state != "" {
				q.State = domain.ProcessingState(state)
				if !q.State.Valid() {
					return fmt.Errorf("unknown state %q", state)
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				filings, err := a.Query().ListFilings(ctx, q)
				if err != nil {
					return err
				}
				return printJSON(cmd, filings)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "published on or after (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "published before (YYYY-MM-DD)")
	cmd.Flags().StringVar(&form, "form", "", "filing type, e.g. 8-K")
	cmd.Flags().StringVar(&category, "category", "", "only filings with an event of this category")
	cmd.Flags().StringVar(&company, "company", "", "company name or identifier")
	cmd.Flags().StringVar(&state, "state", "", "processing state")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <filing-id>",
		Short: "Print the latest analysis of a filing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				record, err := a.Query().LatestAnalysis(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, record)
			})
		},
	})
	return cmd
}

func eventsCmd() *cobra.Command {
	var from, to, minRisk string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List detected events at or above a risk level",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			risk, ok := domain.ParseRiskLevel(minRisk)
			if !ok {
				return fmt.Errorf("unknown risk level %q", minRisk)
			}
			fromT, err := parseDay(from)
			if err != nil {
				return err
			}
			toT, err := parseDay(to)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				events, err := a.Query().EventsByRisk(ctx, risk, fromT, toT)
				if err != nil {
					return err
				}
				return printJSON(cmd, events)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "published on or after (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "published before (YYYY-MM-DD)")
	cmd.Flags().StringVar(&minRisk, "min-risk", string(domain.RiskHigh), "low, medium, high or critical")
	return cmd
}

func entitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entities",
		Short: "Inspect and maintain canonical entities",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <entity-id>",
		Short: "Print an entity, following merges to the survivor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				e, err := a.Linker().Canonical(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, e)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "lookup <name>",
		Short: "Find the canonical entities a name resolves to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				found, err := a.Linker().Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, found)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "suggest-merges",
		Short: "List entity pairs that look like duplicates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				suggestions, err := a.Linker().SuggestMerges(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, suggestions)
			})
		},
	})

	var auto bool
	merge := &cobra.Command{
		Use:   "merge [<survivor-id> <retired-id>]",
		Short: "Merge a retired entity into a survivor, or apply all suggestions with --auto",
		Args: func(cmd *cobra.Command, args []string) error {
			if auto {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				if auto {
					applied, err := a.Linker().AutoMerge(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd, applied)
				}
				survivor, err := a.Linker().Merge(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd, survivor)
			})
		},
	}
	merge.Flags().BoolVar(&auto, "auto", false, "apply every merge suggestion")
	cmd.AddCommand(merge)
	return cmd
}
