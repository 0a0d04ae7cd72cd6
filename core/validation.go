package core

import (
	"fmt"
	"math"
)

// ValidateModality checks that m is a known modality.
func ValidateModality(m Modality) error {
	for _, known := range Modalities {
		if m == known {
			return nil
		}
	}
	return fmt.Errorf("%w: value %d", ErrInvalidModality, m)
}

// ValidateContent checks content against its modality's payload shape.
// Only inline-sized content is decoded; larger content is opaque.
func ValidateContent(m Modality, content []byte) error {
	if err := ValidateModality(m); err != nil {
		return err
	}
	if len(content) > InlineLimit {
		return nil
	}
	_, err := DecodePayload(m, content)
	return err
}

// ValidateVector checks a vector is non-empty and finite.
func ValidateVector(v []float32) error {
	if len(v) == 0 {
		return ErrEmptyVector
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: component %d is not finite", ErrInvalidEmbedding, i)
		}
	}
	return nil
}

// ValidateEmbedding checks an embedding before it is stored.
func ValidateEmbedding(e *Embedding) error {
	if e == nil {
		return fmt.Errorf("%w: embedding is nil", ErrInvalidEmbedding)
	}
	if e.AtomID == 0 {
		return fmt.Errorf("%w: atom id is zero", ErrInvalidEmbedding)
	}
	if e.ModelID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidEmbedding, ErrEmptyModelID)
	}
	if err := ValidateVector(e.Vector); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEmbedding, err)
	}
	return nil
}

// CheckDimension returns a DimensionMismatchError when actual != expected.
func CheckDimension(modelID string, expected, actual int) error {
	if expected != actual {
		return &DimensionMismatchError{ModelID: modelID, Expected: expected, Actual: actual}
	}
	return nil
}
