package models

import (
	"errors"
	"fmt"
)

var (
	ErrLoad              = errors.New("load error")
	ErrEmbeddingService  = errors.New("embedding service error")
	ErrGenerationService = errors.New("generation service error")
	ErrIndexBuild        = errors.New("index build error")
	ErrIndexNotFound     = errors.New("index not found")
	ErrIndexCorrupt      = errors.New("index corrupt")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrConfiguration     = errors.New("configuration error")
)

// DimensionMismatchError reports a vector whose length differs from the index dimension.
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: want %d, got %d", e.Want, e.Got)
}

func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// CheckDimension returns a *DimensionMismatchError when want is set and got differs.
func CheckDimension(want, got int) error {
	if want > 0 && want != got {
		return &DimensionMismatchError{Want: want, Got: got}
	}
	return nil
}
