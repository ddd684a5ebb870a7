package goresample

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingInput is returned when a run starts without an input raster,
	// a transform or an interpolator.
	ErrMissingInput = errors.New("goresample: missing input")

	// ErrUnboundInterpolator is returned when the interpolator has not been
	// bound to the input raster with SetInputRaster.
	ErrUnboundInterpolator = errors.New("goresample: interpolator is not bound to an input raster")
)

// InvalidGeometryError reports a geometry that cannot describe a raster grid:
// zero spacing, empty size, mismatched dimensions or a singular direction.
type InvalidGeometryError struct {
	Reason string
}

func (e *InvalidGeometryError) Error() string {
	return "goresample: invalid geometry: " + e.Reason
}

func invalidGeometry(format string, args ...any) error {
	return &InvalidGeometryError{Reason: fmt.Sprintf(format, args...)}
}

// OutOfMemoryError is returned by the streaming driver when the smallest
// possible tile does not fit the configured memory budget.
type OutOfMemoryError struct {
	RequiredMB  float64
	AvailableMB int
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("goresample: tile needs %.2f MB but only %d MB are available", e.RequiredMB, e.AvailableMB)
}

// ModelLoadError wraps a failure to read or decode a classification model.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("goresample: failed to load model %q: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}
