package search

import "github.com/poiesic/atomstore/spatial"

// SearchMonitor receives callbacks as a search progresses.
// Reranked is called from concurrent rerank workers, once per exact distance
// computed, so implementations must be safe for concurrent use.
type SearchMonitor interface {
	Start(req Request)
	Degraded(reason Degradation)
	AfterProjection(coordinate []float64, landmarkVersion uint64)
	AfterCandidateSearch(candidates []spatial.Neighbor)
	Reranked(hit Hit)
	Finish(result *Result)
}

// noopMonitor is a no-op implementation of SearchMonitor
type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ Request)                           {}
func (n *noopMonitor) Degraded(_ Degradation)                    {}
func (n *noopMonitor) AfterProjection(_ []float64, _ uint64)     {}
func (n *noopMonitor) AfterCandidateSearch(_ []spatial.Neighbor) {}
func (n *noopMonitor) Reranked(_ Hit)                            {}
func (n *noopMonitor) Finish(_ *Result)                          {}
