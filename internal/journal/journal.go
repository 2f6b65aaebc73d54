// Package journal keeps the capture history in SQLite, one row per sequence.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Merge states.
const (
	MergeNone    = ""        // no merge for this sequence
	MergePending = "pending" // queued on the merge dispatcher
	MergeDone    = "done"
	MergeFailed  = "failed"
)

// ErrNotFound is returned by SetMerge for an unknown sequence.
var ErrNotFound = errors.New("journal: sequence not found")

//go:embed schema.sql
var schemaSQL string

// Record is one photo sequence.
type Record struct {
	ID            string          `json:"id"`
	Number        uint64          `json:"number"`
	Device        string          `json:"device"`
	Mode          string          `json:"mode"`
	Status        string          `json:"status"` // "success" or the failure kind
	Error         string          `json:"error,omitempty"`
	Exposures     []time.Duration `json:"exposures_ns"`
	ReferencePath string          `json:"reference_path,omitempty"`
	MergeStatus   string          `json:"merge_status,omitempty"`
	MergedPath    string          `json:"merged_path,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
}

type Journal struct {
	db *sql.DB
}

// Open creates or opens the database at path (":memory:" for tests).
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Add inserts r.
func (j *Journal) Add(ctx context.Context, r Record) error {
	exp, err := json.Marshal(nsSlice(r.Exposures))
	if err != nil {
		return fmt.Errorf("encode exposures: %w", err)
	}
	query := `
		INSERT INTO sequences (id, number, device, mode, status, error, exposures_ns,
			reference_path, merge_status, merged_path, started_unix_ns, finished_unix_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = j.db.ExecContext(ctx, query, r.ID, int64(r.Number), r.Device, r.Mode, r.Status, r.Error,
		string(exp), r.ReferencePath, r.MergeStatus, r.MergedPath,
		r.StartedAt.UnixNano(), r.FinishedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert sequence %s: %w", r.ID, err)
	}
	return nil
}

// SetMerge records the outcome of the merge of sequence id.
func (j *Journal) SetMerge(ctx context.Context, id, status, mergedPath string) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE sequences SET merge_status = ?, merged_path = ? WHERE id = ?`,
		status, mergedPath, id)
	if err != nil {
		return fmt.Errorf("update merge of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update merge of %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// List returns the most recent records first, at most limit (<= 0 = all).
func (j *Journal) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, number, device, mode, status, error, exposures_ns,
			reference_path, merge_status, merged_path, started_unix_ns, finished_unix_ns
		FROM sequences
		ORDER BY started_unix_ns DESC, number DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sequences: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                 Record
			number            int64
			exp               string
			started, finished int64
		)
		if err := rows.Scan(&r.ID, &number, &r.Device, &r.Mode, &r.Status, &r.Error, &exp,
			&r.ReferencePath, &r.MergeStatus, &r.MergedPath, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		var ns []int64
		if err := json.Unmarshal([]byte(exp), &ns); err != nil {
			return nil, fmt.Errorf("decode exposures of %s: %w", r.ID, err)
		}
		for _, v := range ns {
			r.Exposures = append(r.Exposures, time.Duration(v))
		}
		r.Number = uint64(number)
		r.StartedAt = time.Unix(0, started)
		r.FinishedAt = time.Unix(0, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nsSlice(ds []time.Duration) []int64 {
	out := make([]int64, len(ds))
	for i, d := range ds {
		out[i] = int64(d)
	}
	return out
}
