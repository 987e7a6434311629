package resilience

import (
	"maps"
	"sync"
	"time"

	"influence/internal/models"
)

// Outcome classifies one attempt for metrics.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeTransient   Outcome = "transient"
	OutcomePermanent   Outcome = "permanent"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeCancelled   Outcome = "cancelled"
)

// Call is the metric recorded for every attempt.
type Call struct {
	Source     models.SourceID
	Outcome    Outcome
	HTTPStatus int
	Latency    time.Duration
}

// Recorder receives call metrics. Implementations must not block.
type Recorder interface {
	ObserveCall(call Call)
}

// CallStats are per-source call counters.
type CallStats struct {
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	LastOutcome Outcome `json:"last_outcome,omitempty"`
	LastStatus  int     `json:"last_status,omitempty"`
}

// CallLog keeps in-memory call counters for quality reporting.
type CallLog struct {
	mu    sync.Mutex
	stats map[models.SourceID]CallStats
}

func NewCallLog() *CallLog {
	return &CallLog{stats: make(map[models.SourceID]CallStats)}
}

func (l *CallLog) ObserveCall(call Call) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats[call.Source]
	if call.Outcome == OutcomeSuccess {
		s.Succeeded++
	} else {
		s.Failed++
	}
	s.LastOutcome = call.Outcome
	s.LastStatus = call.HTTPStatus
	l.stats[call.Source] = s
}

// Stats returns a copy of the counters.
func (l *CallLog) Stats() map[models.SourceID]CallStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.stats)
}
