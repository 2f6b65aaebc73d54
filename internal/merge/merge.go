// Package merge hands ordered bracketed frames to an HDR merge backend.
// The merge and tone-mapping algorithms live outside this program.
package merge

import (
	"context"
	"errors"
	"time"
)

// ErrNoFrames is returned for a merge request without frames.
var ErrNoFrames = errors.New("merge: no frames")

// Frame is one bracketed image with the exposure it was taken at.
type Frame struct {
	Image    []byte
	Exposure time.Duration
}

// ExposureSeconds is the exposure in the unit merge tools expect.
func (f Frame) ExposureSeconds() float64 { return f.Exposure.Seconds() }

// Options are passed through to the backend untouched.
type Options struct {
	Align     bool
	Algorithm string
	Tonemap   string
}

// Backend merges frames, ordered by capture index, into one image.
type Backend interface {
	MergeSequence(ctx context.Context, frames []Frame, opts Options) ([]byte, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, frames []Frame, opts Options) ([]byte, error)

func (f BackendFunc) MergeSequence(ctx context.Context, frames []Frame, opts Options) ([]byte, error) {
	return f(ctx, frames, opts)
}
