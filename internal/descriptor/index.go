package descriptor

import "github.com/coder/hnsw"

const indexMaxNeighbors = 16

// RefIndex answers nearest-neighbor queries over a reference descriptor
// set. Classroom photo sets can hold dozens of faces; the probe is
// matched against the closest one.
type RefIndex struct {
	refs  []Descriptor
	graph *hnsw.Graph[int]
}

// NewRefIndex builds an index over the given descriptors.
func NewRefIndex(refs []Descriptor) *RefIndex {
	idx := &RefIndex{refs: refs}
	if len(refs) == 0 {
		return idx
	}
	g := hnsw.NewGraph[int]()
	g.M = indexMaxNeighbors
	g.Ml = 1.0 / float64(indexMaxNeighbors)
	g.Distance = hnsw.EuclideanDistance
	for i, d := range refs {
		g.Add(hnsw.MakeNode(i, []float32(d)))
	}
	idx.graph = g
	return idx
}

// Len returns the number of indexed descriptors.
func (idx *RefIndex) Len() int {
	return len(idx.refs)
}

// NearestDistance returns the Euclidean distance from probe to the
// closest reference. The second return is false for an empty index.
func (idx *RefIndex) NearestDistance(probe Descriptor) (float64, bool) {
	if idx.graph == nil || len(idx.refs) == 0 {
		return 0, false
	}
	neighbors := idx.graph.Search([]float32(probe), 1)
	if len(neighbors) == 0 {
		return 0, false
	}
	// Recompute exactly; the graph distance is an internal float32.
	return EuclideanDistance(probe, Descriptor(neighbors[0].Value)), true
}
