package dedup

import "fmt"

const (
	// DefaultSemanticThreshold is the cosine similarity at or above which two
	// embeddings are reported as near duplicates.
	DefaultSemanticThreshold = 0.95

	// DefaultMaxCandidates bounds how many neighbors are examined per check.
	DefaultMaxCandidates = 10
)

// Policy controls near-duplicate detection.
type Policy struct {
	// SemanticThreshold is the minimum cosine similarity. Zero disables the
	// semantic check.
	SemanticThreshold float64
	// SpatialThreshold is the maximum distance between projected coordinates.
	// Nil disables the spatial check.
	SpatialThreshold *float64
	// MaxCandidates is the number of nearest neighbors examined.
	MaxCandidates int
}

// DefaultPolicy returns the semantic-only policy at the default threshold.
func DefaultPolicy() Policy {
	return Policy{
		SemanticThreshold: DefaultSemanticThreshold,
		MaxCandidates:     DefaultMaxCandidates,
	}
}

// Enabled reports whether any check is switched on.
func (p Policy) Enabled() bool {
	return p.SemanticThreshold > 0 || p.SpatialThreshold != nil
}

// Validate checks thresholds and limits.
func (p Policy) Validate() error {
	if p.SemanticThreshold < 0 || p.SemanticThreshold > 1 {
		return fmt.Errorf("%w: semantic threshold %v outside [0, 1]", ErrInvalidPolicy, p.SemanticThreshold)
	}
	if p.SpatialThreshold != nil && *p.SpatialThreshold < 0 {
		return fmt.Errorf("%w: spatial threshold %v is negative", ErrInvalidPolicy, *p.SpatialThreshold)
	}
	if p.MaxCandidates < 1 {
		return fmt.Errorf("%w: max candidates must be positive, got %d", ErrInvalidPolicy, p.MaxCandidates)
	}
	return nil
}

// accepts reports whether a candidate passes every enabled check. A spatial
// threshold cannot be satisfied without coordinates.
func (p Policy) accepts(similarity, coordDistance float64, projected bool) bool {
	if p.SemanticThreshold > 0 && similarity < p.SemanticThreshold {
		return false
	}
	if p.SpatialThreshold != nil && (!projected || coordDistance > *p.SpatialThreshold) {
		return false
	}
	return true
}
