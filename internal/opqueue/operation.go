package opqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/projectsync/internal/syncerr"
)

var (
	ErrQueueFull          = errors.New("operation queue is full")
	ErrInvalidOperation   = errors.New("invalid queued operation")
	ErrDeadLetterNotFound = errors.New("dead letter not found")
	ErrClosed             = errors.New("operation queue is closed")
)

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// ParsePriority accepts any letter case. An empty string is NORMAL.
func ParsePriority(raw string) (Priority, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if raw == "" {
		return PriorityNormal, nil
	}
	p := Priority(raw)
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", raw)
	}
	return p, nil
}

type OpType string

const (
	TypeDocWrite   OpType = "DOC_WRITE"
	TypeBlobUpload OpType = "BLOB_UPLOAD"
)

// Operation is one unit of deferred work. Key, when set, coalesces operations:
// enqueuing with the key of a pending operation replaces that operation's
// payload instead of adding a second entry.
type Operation struct {
	ID            string          `json:"id"`
	Type          OpType          `json:"type"`
	Priority      Priority        `json:"priority"`
	ProjectID     string          `json:"projectId"`
	Key           string          `json:"key,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	CreatedAt     time.Time       `json:"createdAt"`
	LastError     string          `json:"lastError,omitempty"`
	LastErrorKind syncerr.Kind    `json:"lastErrorKind,omitempty"`
}

type DeadLetter struct {
	Operation Operation    `json:"operation"`
	FailedAt  time.Time    `json:"failedAt"`
	Reason    string       `json:"reason"`
	Kind      syncerr.Kind `json:"kind,omitempty"`
}

const (
	ReasonEvicted     = "evicted"
	ReasonMaxAttempts = "max attempts exceeded"
	ReasonConflict    = "conflict"
	ReasonPermanent   = "permanent failure"
)

type Stats struct {
	TotalItems      int              `json:"totalItems"`
	ByPriority      map[Priority]int `json:"byPriority"`
	DeadLetterCount int              `json:"deadLetterCount"`
	OldestAge       time.Duration    `json:"oldestAge"`
	Capacity        int              `json:"capacity"`
}

// Report summarises one processing pass.
type Report struct {
	Attempted    int          `json:"attempted"`
	Succeeded    int          `json:"succeeded"`
	Retried      int          `json:"retried"`
	Skipped      int          `json:"skipped"`
	DeadLettered []DeadLetter `json:"deadLettered,omitempty"`
	Remaining    int          `json:"remaining"`
}

// Executor performs one queued operation. A nil error removes it from the queue.
type Executor func(ctx context.Context, op Operation) error

// State is what backends persist.
type State struct {
	Operations  []Operation  `json:"operations"`
	DeadLetters []DeadLetter `json:"deadLetters"`
}

func (s *State) clone() *State {
	out := &State{
		Operations:  make([]Operation, len(s.Operations)),
		DeadLetters: make([]DeadLetter, len(s.DeadLetters)),
	}
	copy(out.Operations, s.Operations)
	copy(out.DeadLetters, s.DeadLetters)
	return out
}
