package tools

import (
	"sync"
	"time"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Record is one function-call exchange. Records never change once appended.
type Record struct {
	ID           string    `json:"id"`
	FunctionName string    `json:"name"`
	Timestamp    time.Time `json:"timestamp"`
	ResultLink   string    `json:"link,omitempty"`
	Status       Status    `json:"status"`
}

// History is an append-only log holding at most one record per call id.
type History struct {
	mu      sync.RWMutex
	records []Record
	ids     map[string]struct{}
}

func NewHistory() *History {
	return &History{ids: make(map[string]struct{})}
}

// Append adds rec unless a record with the same id exists; it reports
// whether rec was stored.
func (h *History) Append(rec Record) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, seen := h.ids[rec.ID]; seen {
		return false
	}
	h.ids[rec.ID] = struct{}{}
	h.records = append(h.records, rec)
	return true
}

// Snapshot returns the records newest first.
func (h *History) Snapshot() []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Record, len(h.records))
	for i, r := range h.records {
		out[len(h.records)-1-i] = r
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}
