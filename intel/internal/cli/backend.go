package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-intel/intel/internal/backend"
)

func newBackendCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Manage the observable store",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "install",
			Short: "Create index templates and other backend setup",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				be, err := a.openBackend(cmd.Context())
				if err != nil {
					return err
				}
				defer be.Close()

				inst, ok := be.(backend.Installer)
				if !ok {
					success(a.out, "%s backend needs no installation", a.cfg.Backend.Type)
					return nil
				}
				if err := inst.Install(cmd.Context()); err != nil {
					return fmt.Errorf("install backend: %w", err)
				}
				success(a.out, "%s backend installed", a.cfg.Backend.Type)
				return nil
			},
		},
		&cobra.Command{
			Use:   "ping",
			Short: "Check that the backend is reachable",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				be, err := a.openBackend(cmd.Context())
				if err != nil {
					return err
				}
				defer be.Close()

				if err := be.Ping(cmd.Context()); err != nil {
					return fmt.Errorf("ping backend: %w", err)
				}
				success(a.out, "%s backend is up", a.cfg.Backend.Type)
				return nil
			},
		},
		newBackendSearchCommand(a),
	)
	return cmd
}

func newBackendSearchCommand(a *app) *cobra.Command {
	var (
		filters []string
		start   int
		count   int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "search [observable]",
		Short: "Search stored observables",
		Long: `Search stored observables. Filters are key=value pairs; repeat a key for
a list and prefix a value with ! to negate it, e.g.
  intel backend search --filter tags=botnet --filter provider=!example.org`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseFilters(filters)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				params["observable"] = append(params["observable"], args[0])
			}

			be, err := a.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer be.Close()

			found, err := be.Search(cmd.Context(), params, start, count)
			if errors.Is(err, backend.ErrNotFound) {
				warn(a.out, "no observables found")
				return nil
			}
			if err != nil {
				return fmt.Errorf("search backend: %w", err)
			}

			if asJSON {
				return writeJSON(a.out, found)
			}
			t := newTable("OTYPE", "OBSERVABLE", "CONFIDENCE", "PROVIDER", "TAGS", "REPORTTIME")
			for _, o := range found {
				t.add(string(o.Type), o.Value, fmt.Sprintf("%g", o.Confidence), o.Provider, strings.Join(o.Tags, ","), o.ReportTime)
			}
			t.render(a.out)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&filters, "filter", "f", nil, "key=value filter (repeatable)")
	cmd.Flags().IntVar(&start, "start", 0, "offset of the first result")
	cmd.Flags().IntVar(&count, "count", 50, "maximum number of results")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func parseFilters(filters []string) (map[string][]string, error) {
	params := make(map[string][]string, len(filters))
	for _, f := range filters {
		key, value, ok := strings.Cut(f, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("filter %q is not key=value", f)
		}
		params[key] = append(params[key], value)
	}
	return params, nil
}
