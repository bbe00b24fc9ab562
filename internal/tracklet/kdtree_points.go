package tracklet

import (
	"sort"

	"github.com/beamtest/trackrecon/internal/clipboard"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// clusterPoint is a kdtree.Comparable over a cluster's global (x,y)
// position, carrying the cluster's arena index so a tree query can
// recover which cluster it matched.
type clusterPoint struct {
	x, y  float64
	index int
}

func (p *clusterPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(*clusterPoint)
	if d == 0 {
		return p.x - q.x
	}
	return p.y - q.y
}

func (p *clusterPoint) Dims() int { return 2 }

func (p *clusterPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(*clusterPoint)
	dx, dy := p.x-q.x, p.y-q.y
	return dx*dx + dy*dy
}

// clusterPoints implements kdtree.Interface over a slice of
// *clusterPoint, partitioning by a full sort on the requested
// dimension. Simpler than a median-of-medians select, but a strict
// superset of the "partitioned around the pivot" contract the
// interface requires.
type clusterPoints []*clusterPoint

func (s clusterPoints) Len() int                  { return len(s) }
func (s clusterPoints) Index(i int) kdtree.Comparable { return s[i] }
func (s clusterPoints) Slice(start, end int) kdtree.Interface { return s[start:end] }

func (s clusterPoints) Pivot(d kdtree.Dim) int {
	sort.Sort(byDim{clusterPoints: s, dim: d})
	return s.Len() / 2
}

type byDim struct {
	clusterPoints
	dim kdtree.Dim
}

func (b byDim) Less(i, j int) bool {
	if b.dim == 0 {
		return b.clusterPoints[i].x < b.clusterPoints[j].x
	}
	return b.clusterPoints[i].y < b.clusterPoints[j].y
}

func (b byDim) Swap(i, j int) {
	b.clusterPoints[i], b.clusterPoints[j] = b.clusterPoints[j], b.clusterPoints[i]
}

// buildTree builds a KD-tree over a detector's clusters for the
// current event, keyed by each cluster's arena index.
func buildTree(clusters []clipboard.Cluster) (*kdtree.Tree, clusterPoints) {
	pts := make(clusterPoints, len(clusters))
	for i, c := range clusters {
		pts[i] = &clusterPoint{x: c.GlobalX, y: c.GlobalY, index: i}
	}
	if len(pts) == 0 {
		return nil, pts
	}
	return kdtree.New(pts, false), pts
}
