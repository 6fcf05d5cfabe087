package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cdtdelta/tourbook/internal/config"
	"github.com/cdtdelta/tourbook/internal/logging"
	"github.com/cdtdelta/tourbook/internal/metrics"
	"github.com/cdtdelta/tourbook/internal/model"
	"github.com/cdtdelta/tourbook/internal/query"
	"github.com/cdtdelta/tourbook/internal/tourbook"
)

// cli holds the state shared by the commands of one invocation.
type cli struct {
	configPath string
	dbPath     string
	driver     string

	tags    []int64
	allTags bool
	from    string
	to      string
	tourTyp int64
	person  int64
	where   []string
	rawSQL  string

	cfg     *config.Config
	app     *App
	metrics *http.Server
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "tourbook",
		Short: "Browse recorded tours grouped by year, month or week",
		Long: `tourbook keeps recorded tours in a SQLite or PostgreSQL database and
shows them as a lazily loaded tree of years, months or weeks, and tours,
with summed metrics on every bucket.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) { c.teardown() },
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "path to a YAML config file (default $"+config.ConfigPathEnvVar+")")
	pf.StringVar(&c.dbPath, "db", "", "database file or connection string (overrides database.dsn)")
	pf.StringVar(&c.driver, "driver", "", "database driver: sqlite or postgres (overrides database.driver)")
	pf.Int64SliceVar(&c.tags, "tag", nil, "only tours with these tag ids")
	pf.BoolVar(&c.allTags, "all-tags", false, "require every --tag instead of any")
	pf.StringVar(&c.from, "from", "", "only tours starting on or after this date (YYYY-MM-DD)")
	pf.StringVar(&c.to, "to", "", "only tours starting before this date (YYYY-MM-DD)")
	pf.Int64Var(&c.tourTyp, "type", 0, "only tours of this tour type id, -1 for tours without a type")
	pf.Int64Var(&c.person, "person", 0, "only tours of this person id")
	pf.StringArrayVar(&c.where, "where", nil, `field condition "<field> <op> <value>", e.g. "distance >= 20000" (repeatable)`)
	pf.StringVar(&c.rawSQL, "sql", "", `raw SQL condition on tour_data alias t, e.g. "t.calories > 500"`)

	root.AddCommand(
		c.createCmd(),
		c.importCmd(),
		c.exportCmd(),
		c.treeCmd(),
		c.revealCmd(),
		c.pageCmd(),
		c.recomputeCmd(),
		c.deleteCmd(),
		c.tagsCmd(),
		c.typesCmd(),
		c.versionCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, args []string) error {
	// Skip initialization for help commands
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
		return nil
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.dbPath != "" {
		cfg.Database.DSN = c.dbPath
	}
	if c.driver != "" {
		cfg.Database.Driver = c.driver
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})

	if cfg.Metrics.Addr != "" {
		if err := c.serveMetrics(cfg.Metrics.Addr); err != nil {
			return err
		}
	}

	app, err := NewApp(cfg)
	if err != nil {
		return err
	}
	c.app = app
	return nil
}

func (c *cli) teardown() {
	if c.app != nil {
		c.app.CloseDatabase()
	}
	if c.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.metrics.Shutdown(ctx); err != nil {
			logging.Warn().Err(err).Msg("stopping metrics server")
		}
	}
}

// serveMetrics exposes /metrics on addr until teardown.
func (c *cli) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	c.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := c.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Msg("metrics server")
		}
	}()
	logging.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	return nil
}

// filter builds the tour filter from the persistent filter flags.
func (c *cli) filter(cmd *cobra.Command) (*query.Predicate, error) {
	var preds []*query.Predicate

	if len(c.tags) > 0 {
		preds = append(preds, query.Tags(c.tags, c.allTags))
	}
	if c.from != "" || c.to != "" {
		from, to := time.Unix(0, 0).UTC(), time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
		var err error
		if c.from != "" {
			if from, err = time.Parse("2006-01-02", c.from); err != nil {
				return nil, fmt.Errorf("invalid --from: %w", err)
			}
		}
		if c.to != "" {
			if to, err = time.Parse("2006-01-02", c.to); err != nil {
				return nil, fmt.Errorf("invalid --to: %w", err)
			}
			// DateRange is inclusive; --to is not.
			to = to.Add(-time.Millisecond)
		}
		preds = append(preds, query.DateRange(from, to))
	}
	if cmd.Flags().Changed("type") {
		preds = append(preds, query.TourType(c.tourTyp))
	}
	if cmd.Flags().Changed("person") {
		preds = append(preds, query.Person(c.person))
	}
	for _, w := range c.where {
		p, err := parseCondition(w)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if c.rawSQL != "" {
		preds = append(preds, query.Raw(c.rawSQL))
	}
	return query.Combine(preds, query.AND), nil
}

// parseCondition parses a --where value: a tour_data field, an operator and
// the value. Numeric values compare as numbers.
func parseCondition(s string) (*query.Predicate, error) {
	parts := strings.Fields(s)
	if len(parts) < 3 {
		return nil, fmt.Errorf("invalid --where %q: want <field> <op> <value>", s)
	}
	field, opText, rest := parts[0], parts[1], parts[2:]
	if strings.EqualFold(opText, "not") && len(rest) > 1 {
		opText, rest = opText+" "+rest[0], rest[1:]
	}
	op, err := query.ParseOperator(opText)
	if err != nil {
		return nil, fmt.Errorf("invalid --where %q: %w", s, err)
	}
	raw := strings.Join(rest, " ")
	var value interface{} = raw
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		value = f
	}
	p := query.Simple(field, op, value)
	if p == nil {
		return nil, fmt.Errorf("invalid --where %q: unknown field %s", s, field)
	}
	return p, nil
}

// open opens the database and applies the filter flags.
func (c *cli) open(cmd *cobra.Command) error {
	if _, err := c.app.OpenDatabase(cmd.Context()); err != nil {
		return err
	}
	f, err := c.filter(cmd)
	if err != nil {
		return err
	}
	return c.app.SetFilter(f)
}

func (c *cli) createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create an empty tour database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := c.app.CreateDatabase()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", info.Path)
			return nil
		},
	}
}

func (c *cli) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.csv|file.jsonl>...",
		Short: "Import tours from tour CSV or JSONL files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.open(cmd); err != nil {
				return err
			}
			for _, path := range args {
				res, err := c.app.ImportFile(cmd.Context(), path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tours imported, %d excluded\n", path, res.Inserted, res.Excluded)
			}
			return nil
		},
	}
}

func (c *cli) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file.csv>",
		Short: "Export all tours to a tour CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.open(cmd); err != nil {
				return err
			}
			n, err := c.app.ExportCSV(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d tours to %s\n", n, args[0])
			return nil
		},
	}
}

func (c *cli) treeCmd() *cobra.Command {
	var (
		expandAll bool
		week      bool
		levels    int
	)
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the tour book tree",
		Long: `Print the tour book tree. By default only the years are loaded;
--levels loads deeper levels and --expand-all loads every tour.

Example:
  tourbook tree --week --levels 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if week {
				c.cfg.Options().SetString(tourbook.OptGroupBy, model.ByWeek.String())
			}
			if err := c.open(cmd); err != nil {
				return err
			}
			tree, err := c.app.Tree()
			if err != nil {
				return err
			}
			if expandAll {
				levels = 4
			}
			if _, err := tree.ExpandAll(cmd.Context(), levels); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			printTree(w, tree.Root(), 0)
			if totals, ok := tree.SummaryRow(); ok {
				fmt.Fprintf(w, "%s\n", formatAggregates("Summary", totals))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&expandAll, "expand-all", false, "load every level down to the tours")
	cmd.Flags().BoolVar(&week, "week", false, "group by week instead of month")
	cmd.Flags().IntVar(&levels, "levels", 1, "number of levels to load")
	return cmd
}

// printTree prints n and its loaded descendants.
func printTree(w io.Writer, n *tourbook.Node, depth int) {
	indent := strings.Repeat("  ", depth)
	if leaf := n.Leaf(); leaf != nil {
		start := time.UnixMilli(leaf.StartTime).UTC().Format("2006-01-02 15:04")
		fmt.Fprintf(w, "%s%s  #%d %s  %.1f km\n", indent, start, leaf.TourID, n.Label(), leaf.Distance/1000)
	} else {
		fmt.Fprintf(w, "%s%s\n", indent, formatAggregates(n.Label(), n.Aggregates()))
	}

	children, ok := n.Children()
	if !ok {
		return
	}
	for _, child := range children {
		printTree(w, child, depth+1)
	}
}

func formatAggregates(label string, a model.Aggregates) string {
	if a == nil {
		return label
	}
	return fmt.Sprintf("%-8s tours=%-4d %.1f km  moving %s  up %.0f m",
		label,
		int64(a[model.MetricTours]),
		a[model.MetricDistance]/1000,
		formatDuration(int64(a[model.MetricMovingTime])),
		a[model.MetricAltitudeUp])
}

func formatDuration(secs int64) string {
	return fmt.Sprintf("%d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}

func (c *cli) revealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reveal <tourID>",
		Short: "Expand the tree down to one tour and print its path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid tour id %q: %w", args[0], err)
			}
			if err := c.open(cmd); err != nil {
				return err
			}
			leaf, err := c.app.Reveal(cmd.Context(), id)
			if err != nil {
				return err
			}

			var path []string
			for n := leaf; n != nil; n = n.Parent() {
				path = append([]string{n.Label()}, path...)
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(path, " / "))
			return nil
		},
	}
}

func (c *cli) pageCmd() *cobra.Command {
	var sort []string
	cmd := &cobra.Command{
		Use:   "page <n>",
		Short: "Print page n (1-based) of the flat tour table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return fmt.Errorf("invalid page %q", args[0])
			}
			if err := c.open(cmd); err != nil {
				return err
			}
			pager, err := c.app.Pager(sort)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			count, err := pager.Count(ctx)
			if err != nil {
				return err
			}
			pages, err := pager.Pages(ctx)
			if err != nil {
				return err
			}
			rows, err := pager.Page(ctx, n-1)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "page %d of %d, %d tours\n", n, pages, count)
			for _, r := range rows {
				start := time.UnixMilli(r.StartTime).UTC().Format("2006-01-02 15:04")
				fmt.Fprintf(w, "%d\t%s\t%s\t%.1f km\n", r.TourID, start, r.Title, r.Distance/1000)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&sort, "sort", []string{"start_time"}, `sort columns, e.g. "distance desc"`)
	return cmd
}

func (c *cli) recomputeCmd() *cobra.Command {
	var (
		firstDay string
		minDays  int
	)
	cmd := &cobra.Command{
		Use:   "recompute-weeks",
		Short: "Recompute the stored week numbers with a new week rule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("first-day") {
				c.cfg.Calendar.FirstDayOfWeek = firstDay
			}
			if cmd.Flags().Changed("min-days") {
				c.cfg.Calendar.MinDaysInFirstWeek = minDays
			}
			cal, err := c.cfg.BuildCalendar()
			if err != nil {
				return err
			}
			c.app.UseCalendar(cal)

			if err := c.open(cmd); err != nil {
				return err
			}
			n, err := c.app.RecomputeWeeks(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recomputed %d tours\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&firstDay, "first-day", "", "first day of the week, e.g. monday or sunday")
	cmd.Flags().IntVar(&minDays, "min-days", 0, "minimal days of the first week in the new year (1-7)")
	return cmd
}

func parseID(kind, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", kind, s)
	}
	return id, nil
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <tourID>...",
		Short: "Delete tours with their tags and markers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.open(cmd); err != nil {
				return err
			}
			for _, arg := range args {
				id, err := parseID("tour", arg)
				if err != nil {
					return err
				}
				if err := c.app.DeleteTour(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted tour %d\n", id)
			}
			return nil
		},
	}
}

func (c *cli) tagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "Manage the tag catalog and tour tags",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the tag catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.open(cmd); err != nil {
				return err
			}
			tags, err := c.app.Tags(cmd.Context())
			if err != nil {
				return err
			}
			for _, tag := range tags {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", tag.ID, tag.Name)
			}
			return nil
		},
	}

	add := &cobra.Command{
		Use:   "add <tagID> <name>",
		Short: "Add or rename a tag",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("tag", args[0])
			if err != nil {
				return err
			}
			if err := c.open(cmd); err != nil {
				return err
			}
			name := strings.Join(args[1:], " ")
			if err := c.app.SaveTag(cmd.Context(), model.Tag{ID: id, Name: name}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved tag %d %s\n", id, name)
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <tourID> [tagID,...]",
		Short: "Replace the tags of a tour, no tag ids clears them",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tourID, err := parseID("tour", args[0])
			if err != nil {
				return err
			}
			var tagIDs []int64
			if len(args) == 2 {
				for _, part := range strings.Split(args[1], ",") {
					id, err := parseID("tag", strings.TrimSpace(part))
					if err != nil {
						return err
					}
					tagIDs = append(tagIDs, id)
				}
			}
			if err := c.open(cmd); err != nil {
				return err
			}
			if err := c.app.SetTourTags(cmd.Context(), tourID, tagIDs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tour %d has %d tags\n", tourID, len(tagIDs))
			return nil
		},
	}

	cmd.AddCommand(list, add, set)
	return cmd
}

func (c *cli) typesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "types",
		Short: "Manage the tour type catalog",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the tour type catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.open(cmd); err != nil {
				return err
			}
			types, err := c.app.TourTypes(cmd.Context())
			if err != nil {
				return err
			}
			for _, tt := range types {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", tt.ID, tt.Name)
			}
			return nil
		},
	}

	add := &cobra.Command{
		Use:   "add <typeID> <name>",
		Short: "Add or rename a tour type",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("tour type", args[0])
			if err != nil {
				return err
			}
			if err := c.open(cmd); err != nil {
				return err
			}
			name := strings.Join(args[1:], " ")
			if err := c.app.SaveTourType(cmd.Context(), model.TourType{ID: id, Name: name}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved tour type %d %s\n", id, name)
			return nil
		},
	}

	cmd.AddCommand(list, add)
	return cmd
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tourbook %s\n", Version)
		},
	}
}
