package storage

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is one invocation of a pipeline command.
type Run struct {
	ID         uuid.UUID  `json:"id"`
	Command    string     `json:"command"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Inserted   int64      `json:"inserted"`
	Excluded   int64      `json:"excluded"`
	Processed  int64      `json:"processed"`
	Entities   int64      `json:"entities"`
	Anomalies  int64      `json:"anomalies"`
	Error      string     `json:"error,omitempty"`
}

// Materialization records a completed write of a processed collection. Its
// absence for an existing collection means the collection was written by an
// interrupted or unrecorded run.
type Materialization struct {
	Token       uuid.UUID `json:"token"`
	RunID       uuid.UUID `json:"run_id"`
	Collection  string    `json:"collection"`
	Source      string    `json:"source"`
	Threshold   int       `json:"threshold"`
	SourceCount int64     `json:"source_count"`
	Excluded    int       `json:"excluded"`
	Written     int64     `json:"written"`
	CreatedAt   time.Time `json:"created_at"`
}

// EntityHistogram is the binned gap distribution of one vessel.
type EntityHistogram struct {
	RunID     uuid.UUID `json:"run_id"`
	MMSI      int64     `json:"mmsi"`
	Edges     []float64 `json:"edges"`
	Counts    []int     `json:"counts"`
	Underflow int       `json:"underflow"`
	Overflow  int       `json:"overflow"`
}

// GapSummary holds descriptive statistics of one vessel's gap sequence, in
// milliseconds.
type GapSummary struct {
	RunID  uuid.UUID `json:"run_id"`
	MMSI   int64     `json:"mmsi"`
	Count  int       `json:"count"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Mean   float64   `json:"mean"`
	Median float64   `json:"median"`
	P95    float64   `json:"p95"`
}
