package sampling

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/matteoLorenzini/dataset-utils/internal/cluster"
	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
	"github.com/matteoLorenzini/dataset-utils/internal/vectorize"
)

// DiverseOptions tune the diverse sampler.
type DiverseOptions struct {
	Seed          uint64
	Vectorizer    vectorize.Options
	MaxIterations int
	// Concurrency bounds the number of groups clustered at once. Zero
	// means GOMAXPROCS.
	Concurrency int
}

type groupResult struct {
	picked []dataset.Record
	report GroupReport
}

// SelectDiverse picks up to k records per group as cluster
// representatives. Groups of at most k records are taken whole. Larger
// groups are clustered into nClusters clusters and members nearest their
// centroid are taken round-robin across clusters, ties by ID.
func SelectDiverse(ctx context.Context, groups *dataset.Groups, k, nClusters int, opts DiverseOptions) ([]dataset.Record, Report, error) {
	if groups == nil || groups.Size() == 0 {
		return nil, Report{}, dataset.ErrEmptyCorpus
	}
	if k <= 0 {
		return nil, Report{}, fmt.Errorf("per-group size must be positive, got %d", k)
	}

	limit := opts.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	keys := groups.Keys()
	results := make([]groupResult, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			picked, err := selectGroup(key, groups.Members(key), k, nClusters, opts)
			if err != nil {
				return err
			}
			results[i] = groupResult{
				picked: picked,
				report: GroupReport{Key: key, Size: len(groups.Members(key)), Requested: k, Selected: len(picked)},
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Report{}, err
	}

	var (
		out    []dataset.Record
		report Report
	)
	for _, r := range results {
		out = append(out, r.picked...)
		report.Groups = append(report.Groups, r.report)
	}
	return out, report, nil
}

func selectGroup(key dataset.GroupKey, members []dataset.Record, k, nClusters int, opts DiverseOptions) ([]dataset.Record, error) {
	vecs, dim, err := groupVectors(members, opts.Vectorizer)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", key, err)
	}

	var usable []int
	for i, v := range vecs {
		if !v.IsZero() {
			usable = append(usable, i)
		}
	}
	if len(usable) == 0 {
		return nil, &dataset.InsufficientDataError{Group: key, Size: len(members)}
	}

	if len(members) <= k {
		out := make([]dataset.Record, len(members))
		copy(out, members)
		return out, nil
	}
	if len(usable) <= k {
		out := make([]dataset.Record, len(usable))
		for i, idx := range usable {
			out[i] = members[idx]
		}
		return out, nil
	}

	nc := nClusters
	if nc <= 0 || nc > k {
		nc = k
	}

	points := make([]vectorize.Sparse, len(usable))
	for i, idx := range usable {
		points[i] = vecs[idx]
	}
	res, err := cluster.KMeans(points, dim, cluster.Config{
		K:             nc,
		MaxIterations: opts.MaxIterations,
		Seed:          groupSeed(opts.Seed, key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cluster group %s: %w", key, err)
	}

	ranked := make([][]int, nc)
	for c := 0; c < nc; c++ {
		ranked[c] = rankByCentroid(res.Members(c), points, members, usable, res.Centroids[c])
	}

	out := make([]dataset.Record, 0, k)
	for round := 0; len(out) < k; round++ {
		progressed := false
		for c := 0; c < nc && len(out) < k; c++ {
			if round < len(ranked[c]) {
				out = append(out, members[usable[ranked[c][round]]])
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return out, nil
}

// rankByCentroid orders cluster points by distance to the centroid, ties
// by record ID ascending.
func rankByCentroid(pts []int, points []vectorize.Sparse, members []dataset.Record, usable []int, centroid []float64) []int {
	var cnorm float64
	for _, x := range centroid {
		cnorm += x * x
	}
	dist := make(map[int]float64, len(pts))
	for _, p := range pts {
		dist[p] = cluster.SquaredDistance(points[p], centroid, cnorm)
	}
	sort.SliceStable(pts, func(i, j int) bool {
		di, dj := dist[pts[i]], dist[pts[j]]
		if di != dj {
			return di < dj
		}
		return members[usable[pts[i]]].ID < members[usable[pts[j]]].ID
	})
	return pts
}

// groupVectors uses pre-supplied vectors when every member has one and
// fits TF-IDF on the group text otherwise.
func groupVectors(members []dataset.Record, opts vectorize.Options) ([]vectorize.Sparse, int, error) {
	supplied := true
	for _, r := range members {
		if !r.HasVector() {
			supplied = false
			break
		}
	}

	if !supplied {
		docs := make([]string, len(members))
		for i, r := range members {
			docs[i] = r.Text
		}
		m, vecs := vectorize.FitTransform(docs, opts)
		return vecs, m.Dim(), nil
	}

	dim := len(members[0].Vector)
	vecs := make([]vectorize.Sparse, len(members))
	for i, r := range members {
		if len(r.Vector) != dim {
			return nil, 0, fmt.Errorf("record %s has vector of length %d, want %d", r.ID, len(r.Vector), dim)
		}
		vecs[i] = vectorize.FromDense(r.Vector)
	}
	return vecs, dim, nil
}
