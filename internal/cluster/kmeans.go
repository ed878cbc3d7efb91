// Package cluster implements seeded k-means over sparse points.
package cluster

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/matteoLorenzini/dataset-utils/internal/vectorize"
)

const (
	defaultMaxIterations = 100
	defaultTolerance     = 1e-6
)

// Config parameterises a k-means run.
type Config struct {
	K             int
	MaxIterations int
	Tolerance     float64
	Seed          uint64
}

// Result holds the final partition. Assignments[i] is the cluster of
// point i.
type Result struct {
	Assignments []int
	Centroids   [][]float64
	Iterations  int
}

// Members returns the point indices of cluster c in ascending order.
func (r Result) Members(c int) []int {
	var out []int
	for i, a := range r.Assignments {
		if a == c {
			out = append(out, i)
		}
	}
	return out
}

type centroid struct {
	v    []float64
	norm float64
}

func (c *centroid) refresh() {
	var n float64
	for _, x := range c.v {
		n += x * x
	}
	c.norm = n
}

// SquaredDistance returns ||p - c||^2 given ||c||^2.
func SquaredDistance(p vectorize.Sparse, c []float64, cNorm float64) float64 {
	d := p.SquaredNorm() - 2*p.Dot(c) + cNorm
	if d < 0 {
		return 0
	}
	return d
}

// KMeans partitions points of dimension dim into cfg.K clusters with
// k-means++ seeding and Lloyd iterations. Equal distances resolve to the
// lower cluster index.
func KMeans(points []vectorize.Sparse, dim int, cfg Config) (Result, error) {
	if cfg.K <= 0 {
		return Result{}, fmt.Errorf("k must be positive, got %d", cfg.K)
	}
	if cfg.K > len(points) {
		return Result{}, fmt.Errorf("k=%d exceeds %d points", cfg.K, len(points))
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = defaultTolerance
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	cents := seedPlusPlus(points, dim, cfg.K, rng)

	assign := make([]int, len(points))
	dist := make([]float64, len(points))
	for i := range assign {
		assign[i] = -1
	}

	iter := 0
	for iter < cfg.MaxIterations {
		iter++

		changed := false
		for i, p := range points {
			best, bestD := nearest(p, cents)
			if best != assign[i] {
				assign[i] = best
				changed = true
			}
			dist[i] = bestD
		}

		shift := update(points, dim, assign, dist, cents)
		if !changed || shift <= cfg.Tolerance {
			break
		}
	}

	// Final assignment against the final centroids.
	for i, p := range points {
		assign[i], _ = nearest(p, cents)
	}

	res := Result{Assignments: assign, Centroids: make([][]float64, len(cents)), Iterations: iter}
	for i, c := range cents {
		res.Centroids[i] = c.v
	}
	return res, nil
}

func nearest(p vectorize.Sparse, cents []*centroid) (int, float64) {
	best, bestD := 0, math.Inf(1)
	for c, cent := range cents {
		if d := SquaredDistance(p, cent.v, cent.norm); d < bestD {
			best, bestD = c, d
		}
	}
	return best, bestD
}

// update recomputes centroids as member means and returns the largest
// squared centroid shift. Empty clusters take the point farthest from its
// current centroid.
func update(points []vectorize.Sparse, dim int, assign []int, dist []float64, cents []*centroid) float64 {
	k := len(cents)
	sums := make([][]float64, k)
	counts := make([]int, k)
	for c := range sums {
		sums[c] = make([]float64, dim)
	}
	for i, p := range points {
		p.AddTo(sums[assign[i]], 1)
		counts[assign[i]]++
	}

	for c := 0; c < k; c++ {
		if counts[c] > 0 {
			continue
		}
		far := -1
		for i := range points {
			if counts[assign[i]] <= 1 {
				continue
			}
			if far < 0 || dist[i] > dist[far] {
				far = i
			}
		}
		if far < 0 {
			continue
		}
		from := assign[far]
		points[far].AddTo(sums[from], -1)
		counts[from]--
		points[far].AddTo(sums[c], 1)
		counts[c] = 1
		assign[far] = c
		dist[far] = 0
	}

	var maxShift float64
	for c, cent := range cents {
		if counts[c] == 0 {
			continue
		}
		var shift float64
		for j := range sums[c] {
			v := sums[c][j] / float64(counts[c])
			delta := v - cent.v[j]
			shift += delta * delta
			cent.v[j] = v
		}
		cent.refresh()
		if shift > maxShift {
			maxShift = shift
		}
	}
	return maxShift
}

func seedPlusPlus(points []vectorize.Sparse, dim, k int, rng *rand.Rand) []*centroid {
	chosen := make(map[int]bool, k)
	cents := make([]*centroid, 0, k)

	add := func(i int) {
		chosen[i] = true
		c := &centroid{v: make([]float64, dim)}
		points[i].AddTo(c.v, 1)
		c.refresh()
		cents = append(cents, c)
	}

	add(rng.IntN(len(points)))

	d2 := make([]float64, len(points))
	for len(cents) < k {
		last := cents[len(cents)-1]
		var total float64
		for i, p := range points {
			d := SquaredDistance(p, last.v, last.norm)
			if len(cents) == 1 || d < d2[i] {
				d2[i] = d
			}
			if !chosen[i] {
				total += d2[i]
			}
		}

		if total == 0 {
			// Remaining points coincide with chosen centres.
			add(pickUnchosen(len(points), chosen, rng))
			continue
		}

		target := rng.Float64() * total
		pick := -1
		for i := range points {
			if chosen[i] {
				continue
			}
			pick = i
			target -= d2[i]
			if target < 0 {
				break
			}
		}
		add(pick)
	}
	return cents
}

func pickUnchosen(n int, chosen map[int]bool, rng *rand.Rand) int {
	free := make([]int, 0, n-len(chosen))
	for i := 0; i < n; i++ {
		if !chosen[i] {
			free = append(free, i)
		}
	}
	return free[rng.IntN(len(free))]
}
