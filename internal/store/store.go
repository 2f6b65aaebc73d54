// Package store writes photos to the output directory atomically.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// TimestampLayout names the files of one sequence.
const TimestampLayout = "20060102_150405"

// Store writes into a single directory.
type Store struct {
	dir string
	log zerolog.Logger
}

// New creates dir if needed.
func New(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Dir returns the output directory.
func (s *Store) Dir() string { return s.dir }

// Names are the file names of one sequence, all sharing its timestamp.
type Names struct {
	stamp string
}

// NamesFor returns the names for a sequence started at t.
func NamesFor(t time.Time) Names {
	return Names{stamp: t.Format(TimestampLayout)}
}

// Reference is the metering still.
func (n Names) Reference() string { return "IMG_" + n.stamp + ".jpg" }

// Frame is bracketed frame i, numbered from 1.
func (n Names) Frame(i int) string { return fmt.Sprintf("IMG_%s_%d.jpg", n.stamp, i+1) }

// Merged is the HDR result.
func (n Names) Merged() string { return "HDR_" + n.stamp + ".jpg" }

// Write stores data under name and returns the full path. The file appears
// complete or not at all.
func (s *Store) Write(name string, data []byte) (string, error) {
	path := filepath.Join(s.dir, filepath.Base(name))

	pendingFile, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return "", fmt.Errorf("create pending file %s: %w", name, err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			s.log.Debug().Err(err).Str("file", name).Msg("cleanup pending file")
		}
	}()

	if _, err := pendingFile.Write(data); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("atomically replace %s: %w", name, err)
	}
	s.log.Debug().Str("file", path).Int("bytes", len(data)).Msg("saved")
	return path, nil
}
