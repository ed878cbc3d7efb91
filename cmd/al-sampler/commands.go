package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matteoLorenzini/dataset-utils/internal/artifact"
	"github.com/matteoLorenzini/dataset-utils/internal/batch"
	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
	"github.com/matteoLorenzini/dataset-utils/internal/harvest"
	"github.com/matteoLorenzini/dataset-utils/internal/labelstudio"
	"github.com/matteoLorenzini/dataset-utils/internal/notify"
	"github.com/matteoLorenzini/dataset-utils/internal/roundstate"
	"github.com/matteoLorenzini/dataset-utils/internal/sampling"
	"github.com/matteoLorenzini/dataset-utils/internal/vectorize"
)

func newHarvestCmd(a *app) *cobra.Command {
	var (
		endpoint string
		prefix   string
		dir      string
		limit    int
		listSets bool
	)
	cmd := &cobra.Command{
		Use:   "harvest [set...]",
		Short: "Download OAI-PMH sets as per-domain corpus files",
		Long: "Download OAI-PMH sets as per-domain corpus files. Each set is written to\n" +
			"<dir>/<set>.csv with columns identifier, title, description, type and subject.\n" +
			"Once labelled, the files are read as a corpus with corpus.domain_from_source.",
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "OAI-PMH endpoint URL")
	cmd.Flags().StringVar(&prefix, "metadata-prefix", "", "metadata format (pico, oai_dc)")
	cmd.Flags().StringVar(&dir, "dir", "", "directory for the harvested set files")
	cmd.Flags().IntVar(&limit, "limit", 0, "records per set; 0 harvests the whole set")
	cmd.Flags().BoolVar(&listSets, "list-sets", false, "list the sets the repository exposes and exit")

	cmd.RunE = a.command("harvest", func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h := a.cfg.Harvest
		if cmd.Flags().Changed("endpoint") {
			h.Endpoint = endpoint
		}
		if cmd.Flags().Changed("metadata-prefix") {
			h.MetadataPrefix = prefix
		}
		if cmd.Flags().Changed("dir") {
			h.Dir = dir
		}
		if cmd.Flags().Changed("limit") {
			h.Limit = limit
		}
		if h.Endpoint == "" {
			return fmt.Errorf("no OAI-PMH endpoint configured (use --endpoint or harvest.endpoint)")
		}
		client := harvest.NewClient(h.Endpoint, a.logger).WithMetadataPrefix(h.MetadataPrefix)

		if listSets {
			sets, err := client.ListSets(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SET\tNAME")
			for _, s := range sets {
				fmt.Fprintf(w, "%s\t%s\n", s.Spec, s.Name)
			}
			return w.Flush()
		}

		sets := args
		if len(sets) == 0 {
			sets = h.Sets
		}
		if len(sets) == 0 {
			return fmt.Errorf("no sets to harvest (pass set names or configure harvest.sets)")
		}

		sink := artifact.DirSink{Dir: h.Dir, Overwrite: true}
		for _, set := range sets {
			records, err := client.ListRecords(ctx, set, h.Limit)
			if err != nil {
				return err
			}
			body, err := harvest.EncodeCSV(records)
			if err != nil {
				return fmt.Errorf("failed to encode set %q: %w", set, err)
			}
			loc, err := sink.Put(ctx, harvest.FileName(set), body, "text/csv", nil)
			if err != nil {
				return err
			}
			a.metrics.Harvested(set, len(records))
			a.printf("set %s: %d records written to %s\n", set, len(records), loc)
		}
		return nil
	})
	return cmd
}

func newInitCmd(a *app) *cobra.Command {
	var (
		strategy string
		perGroup int
		clusters int
		seed     uint64
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Select the initial training set and record it",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "selection strategy (balanced, diverse)")
	cmd.Flags().IntVar(&perGroup, "per-group", 0, "records per (label, domain) group; 0 uses the smallest group size")
	cmd.Flags().IntVar(&clusters, "clusters", 0, "clusters per group for the diverse strategy")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed")

	cmd.RunE = a.command("init", func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s := a.cfg.Sampling
		if cmd.Flags().Changed("strategy") {
			s.Strategy = strategy
		}
		if cmd.Flags().Changed("per-group") {
			s.PerGroup = perGroup
		}
		if cmd.Flags().Changed("clusters") {
			s.Clusters = clusters
		}
		if cmd.Flags().Changed("seed") {
			s.Seed = seed
		}

		state, err := a.openState(ctx)
		if err != nil {
			return err
		}
		groups, err := dataset.Index(state.Corpus())
		if err != nil {
			return err
		}
		quota := sampling.ResolveQuota(groups, s.PerGroup, s.MinPerGroup)

		var (
			selected []dataset.Record
			report   sampling.Report
		)
		switch s.Strategy {
		case "balanced":
			selected, report, err = sampling.SelectBalanced(groups, quota, s.Seed)
		case "diverse":
			selected, report, err = sampling.SelectDiverse(ctx, groups, quota, s.Clusters, sampling.DiverseOptions{
				Seed: s.Seed,
				Vectorizer: vectorize.Options{
					StripAccents: s.StripAccents,
					Stopwords:    s.StopwordList(vectorize.ItalianStopwords),
				},
				Concurrency: s.Concurrency,
			})
		default:
			return fmt.Errorf("unknown strategy %q", s.Strategy)
		}
		if err != nil {
			return err
		}
		a.metrics.ObserveSelection(s.Strategy, report)
		for _, g := range report.Shortfalls() {
			a.logger.Warn("group smaller than quota",
				zap.String("group", g.Key.String()),
				zap.Int("requested", g.Requested),
				zap.Int("selected", g.Selected),
			)
		}

		if err := state.Initialize(ctx, selected); err != nil {
			return err
		}
		c := state.Counts()
		a.metrics.ObserveCounts(c)

		loc, err := a.exportTraining(ctx, state)
		if err != nil {
			return err
		}
		a.printf("initialized run %s: %d training records (%d per group, %s), %d in pool\n",
			state.RunID(), c.Training, quota, s.Strategy, c.Pool)
		a.printf("training set written to %s\n", loc)
		return nil
	})
	return cmd
}

func newCarveCmd(a *app) *cobra.Command {
	var (
		index     int
		perDomain int
		byLabel   bool
		seed      uint64
	)
	cmd := &cobra.Command{
		Use:   "carve",
		Short: "Check out the next unlabelled batch from the pool",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVar(&index, "index", 0, "batch index; 0 takes the next free index")
	cmd.Flags().IntVar(&perDomain, "per-domain", 0, "records per domain (per domain and label with --stratify-by-label)")
	cmd.Flags().BoolVar(&byLabel, "stratify-by-label", false, "draw per (domain, label) instead of per domain")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "experiment seed for batch draws")

	cmd.RunE = a.command("carve", func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		bc := a.cfg.Batch
		if cmd.Flags().Changed("per-domain") {
			bc.PerDomain = perDomain
		}
		if cmd.Flags().Changed("stratify-by-label") {
			bc.StratifyByLabel = byLabel
		}
		if cmd.Flags().Changed("seed") {
			bc.Seed = seed
		}

		state, err := a.openState(ctx)
		if err != nil {
			return err
		}
		if index == 0 {
			index = state.NextBatchIndex()
		}

		carver := batch.NewCarver(state, batch.Options{Seed: bc.Seed, StratifyByLabel: bc.StratifyByLabel}, a.logger)
		b, err := carver.Carve(ctx, index, bc.PerDomain)
		if err != nil {
			return err
		}
		a.metrics.BatchCarved(b)
		a.metrics.ObserveCounts(state.Counts())

		pub, err := a.publisher(ctx, false)
		if err != nil {
			return err
		}
		loc, err := pub.PublishBatch(ctx, state.RunID(), b)
		if err != nil {
			return fmt.Errorf("batch %d is checked out but its artifact was not written (retry with export --batch %d): %w", b.Index, b.Index, err)
		}

		a.announce(ctx, notify.Event{
			Type:      notify.EventBatchCarved,
			RunID:     state.RunID(),
			Batch:     b.Index,
			Seed:      b.Seed,
			Records:   len(b.Records),
			PerDomain: b.CountByDomain(),
			Location:  loc,
		})
		a.printf("batch %d: %d records written to %s\n", b.Index, len(b.Records), loc)
		return nil
	})
	return cmd
}

func newAppendCmd(a *app) *cobra.Command {
	var resolve int
	cmd := &cobra.Command{
		Use:   "append <labelled-file>",
		Short: "Append a labelled batch to the training set",
		Long: "Append a labelled batch to the training set. The file is the batch artifact with its\n" +
			"label column filled in, or a Label Studio JSON export. Rows without a label are skipped.",
		Args: cobra.ExactArgs(1),
	}
	cmd.Flags().IntVar(&resolve, "resolve", 0, "close this batch after appending, returning unlabelled records to the pool")

	cmd.RunE = a.command("append", func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		state, err := a.openState(ctx)
		if err != nil {
			return err
		}
		records, skipped, err := a.readLabelled(ctx, args[0])
		if err != nil {
			return err
		}
		return a.appendAndResolve(cmd, state, records, skipped, resolve)
	})
	return cmd
}

// appendAndResolve appends records, re-exports the training set and
// optionally closes a batch. The export runs before the resolve so the
// artifact matches the committed training set even when the resolve fails.
func (a *app) appendAndResolve(cmd *cobra.Command, state *roundstate.State, records []dataset.Record, skipped, resolve int) error {
	ctx := cmd.Context()
	if err := state.AppendLabelled(ctx, records); err != nil {
		return err
	}
	a.metrics.Appended(len(records))
	a.printf("appended %d labelled records (%d without label skipped)\n", len(records), skipped)

	loc, err := a.exportTraining(ctx, state)
	if err != nil {
		return err
	}

	if resolve > 0 {
		released, err := state.MarkBatchResolved(ctx, resolve)
		if err != nil {
			a.metrics.ObserveCounts(state.Counts())
			return fmt.Errorf("records appended and training set written to %s, but batch %d was not resolved: %w", loc, resolve, err)
		}
		a.metrics.Released(len(released))
		a.printf("batch %d resolved, %d records returned to the pool\n", resolve, len(released))
	}
	c := state.Counts()
	a.metrics.ObserveCounts(c)

	a.announce(ctx, notify.Event{
		Type:     notify.EventAppended,
		RunID:    state.RunID(),
		Batch:    resolve,
		Records:  len(records),
		Location: loc,
	})
	a.printf("training set: %d records, pool: %d, written to %s\n", c.Training, c.Pool, loc)
	return nil
}

func newReleaseCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <batch>",
		Short: "Close a batch, returning its unlabelled records to the pool",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.command("release", func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		index, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid batch index %q", args[0])
		}
		state, err := a.openState(ctx)
		if err != nil {
			return err
		}
		released, err := state.ReleaseBatch(ctx, index)
		if err != nil {
			return err
		}
		a.metrics.Released(len(released))
		a.metrics.ObserveCounts(state.Counts())

		a.announce(ctx, notify.Event{
			Type:    notify.EventBatchResolved,
			RunID:   state.RunID(),
			Batch:   index,
			Records: len(released),
		})
		a.printf("batch %d released, %d records returned to the pool\n", index, len(released))
		return nil
	})
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	var ids []string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the training/pool partition and batch history",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringSliceVar(&ids, "id", nil, "show the state of these record IDs")

	cmd.RunE = a.command("status", func(cmd *cobra.Command, args []string) error {
		state, err := a.openState(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		if len(ids) > 0 {
			fmt.Fprintln(w, "ID\tSTATE\tBATCH")
			for _, id := range ids {
				st, b := state.Status(id)
				batchCol := "-"
				if st == roundstate.StatusCheckedOut {
					batchCol = strconv.Itoa(b)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", id, st, batchCol)
			}
			return w.Flush()
		}

		c := state.Counts()
		run := state.RunID()
		if run == "" {
			run = "(not initialized)"
		}
		fmt.Fprintf(w, "run:\t%s\n", run)
		fmt.Fprintf(w, "corpus:\t%d\n", c.Corpus)
		fmt.Fprintf(w, "training:\t%d\n", c.Training)
		fmt.Fprintf(w, "pool:\t%d\n", c.Pool)
		fmt.Fprintf(w, "checked out:\t%d\n", c.CheckedOut)
		fmt.Fprintf(w, "open batches:\t%d\n", c.OpenBatches)
		if batches := state.Batches(); len(batches) > 0 {
			fmt.Fprintln(w)
			fmt.Fprintln(w, "BATCH\tSIZE\tSEED\tCARVED\tRESOLVED")
			for _, b := range batches {
				resolved := "open"
				if !b.Open() {
					resolved = b.ResolvedAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\n", b.Index, b.Size, b.Seed, b.CarvedAt.Format("2006-01-02 15:04"), resolved)
			}
		}
		return w.Flush()
	})
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var (
		index  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the training set, or rewrite a batch artifact",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVar(&index, "batch", 0, "rewrite the artifact of this batch instead of the training set")
	cmd.Flags().StringVar(&format, "format", "", "artifact format (csv, xlsx, labelstudio)")

	cmd.RunE = a.command("export", func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cmd.Flags().Changed("format") {
			if _, err := artifact.ParseFormat(format); err != nil {
				return err
			}
			a.cfg.Output.Format = format
		}
		state, err := a.openState(ctx)
		if err != nil {
			return err
		}

		if index == 0 {
			loc, err := a.exportTraining(ctx, state)
			if err != nil {
				return err
			}
			a.printf("training set (%d records) written to %s\n", len(state.Training()), loc)
			return nil
		}

		records, err := state.BatchRecords(index)
		if err != nil {
			return err
		}
		var seed uint64
		for _, b := range state.Batches() {
			if b.Index == index {
				seed = b.Seed
			}
		}
		pub, err := a.publisher(ctx, true)
		if err != nil {
			return err
		}
		loc, err := pub.PublishBatch(ctx, state.RunID(), dataset.Batch{Index: index, Seed: seed, Records: records})
		if err != nil {
			return err
		}
		a.printf("batch %d (%d records) written to %s\n", index, len(records), loc)
		return nil
	})
	return cmd
}

func newLabelStudioCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labelstudio",
		Short: "Exchange batches with a Label Studio project",
	}

	push := &cobra.Command{
		Use:   "push <batch>",
		Short: "Import a carved batch as Label Studio tasks",
		Args:  cobra.ExactArgs(1),
	}
	push.RunE = a.command("labelstudio_push", func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		index, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid batch index %q", args[0])
		}
		client, project, err := a.labelStudio()
		if err != nil {
			return err
		}
		state, err := a.openState(ctx)
		if err != nil {
			return err
		}
		records, err := state.BatchRecords(index)
		if err != nil {
			return err
		}

		labels := dataset.Labels(state.Corpus())
		if err := client.SetLabelConfig(ctx, project, labelstudio.BuildLabelConfig(a.cfg.LabelStudio.Title, labels)); err != nil {
			return err
		}
		n, err := client.Import(ctx, project, labelstudio.Tasks(records, false))
		if err != nil {
			return err
		}
		a.printf("batch %d: %d tasks imported into project %d\n", index, n, project)
		return nil
	})

	var resolve int
	pull := &cobra.Command{
		Use:   "pull",
		Short: "Append the project's annotated checked-out records to the training set",
		Args:  cobra.NoArgs,
	}
	pull.Flags().IntVar(&resolve, "resolve", 0, "close this batch after appending")
	pull.RunE = a.command("labelstudio_pull", func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, project, err := a.labelStudio()
		if err != nil {
			return err
		}
		state, err := a.openState(ctx)
		if err != nil {
			return err
		}
		body, err := client.Export(ctx, project)
		if err != nil {
			return err
		}
		annotated, skipped, err := labelstudio.ParseExport(body)
		if err != nil {
			return err
		}

		// The project accumulates tasks across rounds; only records still
		// checked out are new.
		var records []dataset.Record
		for _, r := range annotated {
			if st, _ := state.Status(r.ID); st == roundstate.StatusCheckedOut {
				records = append(records, r)
			}
		}
		return a.appendAndResolve(cmd, state, records, skipped, resolve)
	})

	cmd.AddCommand(push, pull)
	return cmd
}
