package domain

import "errors"

// ErrModelNotFound is returned when no decision model artifact can be
// resolved or opened for a ticker.
var ErrModelNotFound = errors.New("model not found")

// ErrNoBars is returned when a symbol has no daily bars in the requested
// range.
var ErrNoBars = errors.New("no bars")

// ErrMissingFeature is returned when a model needs a feature column the
// stored table does not have.
var ErrMissingFeature = errors.New("missing feature column")
