package fill

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Progress is the live state of a fill run. Every method is safe to call
// from any goroutine while the run is in flight.
type Progress struct {
	total     atomic.Int64
	remaining atomic.Int64
	failed    atomic.Int64
	startedAt atomic.Int64
	running   atomic.Bool
}

// ProgressSnapshot is a point-in-time copy of Progress.
type ProgressSnapshot struct {
	Total     int64     `json:"total"`
	Remaining int64     `json:"remaining"`
	Failed    int64     `json:"failed"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

func (p *Progress) start(total int64) {
	p.total.Store(total)
	p.remaining.Store(total)
	p.failed.Store(0)
	p.startedAt.Store(time.Now().UnixNano())
	p.running.Store(true)
}

func (p *Progress) done()     { p.running.Store(false) }
func (p *Progress) assigned() { p.remaining.Add(-1) }
func (p *Progress) failure()  { p.failed.Add(1) }

// Remaining is the number of records still unassigned.
func (p *Progress) Remaining() int64 { return p.remaining.Load() }

// Snapshot returns the current counters.
func (p *Progress) Snapshot() ProgressSnapshot {
	s := ProgressSnapshot{
		Total:     p.total.Load(),
		Remaining: p.remaining.Load(),
		Failed:    p.failed.Load(),
		Running:   p.running.Load(),
	}
	if ns := p.startedAt.Load(); ns != 0 {
		s.StartedAt = time.Unix(0, ns).UTC()
	}
	return s
}

// ServeHTTP writes the snapshot as JSON.
func (p *Progress) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(p.Snapshot())
}
