package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage: closed")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is the outcome of one finished handle.
type Record struct {
	RunID      string    `json:"run_id"`
	Handle     uint32    `json:"handle"`
	Scheduler  string    `json:"scheduler"`
	Origin     string    `json:"origin,omitempty"`
	URIs       int       `json:"uris"`
	Ready      int       `json:"ready"`
	Failed     int       `json:"failed"`
	FirstCode  int32     `json:"first_code,omitempty"`
	FirstError string    `json:"first_error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (r Record) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Store persists history records.
type Store interface {
	RecordRequest(ctx context.Context, r Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	// Prune deletes records finished before the cutoff.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}
