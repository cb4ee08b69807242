package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DropReason names why the relay discarded a frame.
type DropReason string

const (
	DropPendingOverflow  DropReason = "pending_overflow"
	DropDiscardedOnClose DropReason = "discarded_on_close"
	DropStaleAgentAudio  DropReason = "stale_agent_audio"
	DropAgentNotReady    DropReason = "agent_not_ready"
	DropUnknownSession   DropReason = "unknown_session"
	DropForeignSession   DropReason = "foreign_session"
	DropQueueFull        DropReason = "queue_full"
	DropWriteFailed      DropReason = "write_failed"
)

// Bridge stages reported per call.
const (
	StageAgentHandshake  = "start_to_agent_ready"
	StageFirstAgentAudio = "start_to_first_agent_audio"
	StageSessionClose    = "close_duration"
)

var stageTargetP95 = map[string]time.Duration{
	StageAgentHandshake:  1500 * time.Millisecond,
	StageFirstAgentAudio: 2500 * time.Millisecond,
	StageSessionClose:    2 * time.Second,
}

// CallRecord is what a bridge reports once it has fully closed.
type CallRecord struct {
	Reason string
	Failed bool
	// AgentReady is false when the call ended before the handshake finished;
	// Handshake is meaningless then.
	AgentReady bool
	Handshake  time.Duration
	// HeardAgent is false when no agent audio reached the caller.
	HeardAgent bool
	FirstAudio time.Duration
	Close      time.Duration
	Dropped    map[DropReason]int
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target,omitempty"`
}

// OutcomeStats groups recent calls by the reason they closed.
type OutcomeStats struct {
	Reason string       `json:"reason"`
	Calls  int          `json:"calls"`
	Failed int          `json:"failed"`
	Stages []StageStats `json:"stages"`
}

type DropStats struct {
	Reason DropReason `json:"reason"`
	Frames int        `json:"frames"`
	Calls  int        `json:"calls"`
}

type CallWindowSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Calls       int            `json:"calls"`
	Stages      []StageStats   `json:"stages"`
	Outcomes    []OutcomeStats `json:"outcomes"`
	Drops       []DropStats    `json:"drops,omitempty"`
}

// CallWindow keeps the last N finished calls.
type CallWindow struct {
	mu      sync.RWMutex
	records []CallRecord
	next    int
	full    bool
}

func NewCallWindow(size int) *CallWindow {
	if size <= 0 {
		size = 256
	}
	return &CallWindow{records: make([]CallRecord, size)}
}

func (w *CallWindow) Record(rec CallRecord) {
	if rec.Reason == "" {
		rec.Reason = "unknown"
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records[w.next] = rec
	w.next = (w.next + 1) % len(w.records)
	if w.next == 0 {
		w.full = true
	}
}

func (w *CallWindow) Snapshot() CallWindowSnapshot {
	w.mu.RLock()
	recent := w.records[:w.next]
	if w.full {
		recent = w.records
	}
	recent = append([]CallRecord(nil), recent...)
	w.mu.RUnlock()

	byReason := make(map[string][]CallRecord)
	drops := make(map[DropReason]*DropStats)
	for _, rec := range recent {
		byReason[rec.Reason] = append(byReason[rec.Reason], rec)
		for reason, n := range rec.Dropped {
			if n <= 0 {
				continue
			}
			d, ok := drops[reason]
			if !ok {
				d = &DropStats{Reason: reason}
				drops[reason] = d
			}
			d.Frames += n
			d.Calls++
		}
	}

	snap := CallWindowSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  len(w.records),
		Calls:       len(recent),
		Stages:      stagesOf(recent),
		Outcomes:    make([]OutcomeStats, 0, len(byReason)),
	}
	for reason, calls := range byReason {
		o := OutcomeStats{Reason: reason, Calls: len(calls), Stages: stagesOf(calls)}
		for _, c := range calls {
			if c.Failed {
				o.Failed++
			}
		}
		snap.Outcomes = append(snap.Outcomes, o)
	}
	sort.Slice(snap.Outcomes, func(i, j int) bool {
		if snap.Outcomes[i].Calls != snap.Outcomes[j].Calls {
			return snap.Outcomes[i].Calls > snap.Outcomes[j].Calls
		}
		return snap.Outcomes[i].Reason < snap.Outcomes[j].Reason
	})
	for _, d := range drops {
		snap.Drops = append(snap.Drops, *d)
	}
	sort.Slice(snap.Drops, func(i, j int) bool { return snap.Drops[i].Reason < snap.Drops[j].Reason })
	return snap
}

// stagesOf summarizes the stages each call actually reached: handshake only
// for calls whose agent became ready, first audio only for calls that heard
// the agent.
func stagesOf(calls []CallRecord) []StageStats {
	var handshake, first, closing []time.Duration
	for _, c := range calls {
		if c.AgentReady {
			handshake = append(handshake, c.Handshake)
		}
		if c.HeardAgent {
			first = append(first, c.FirstAudio)
		}
		closing = append(closing, c.Close)
	}
	out := make([]StageStats, 0, 3)
	for _, s := range []struct {
		name    string
		samples []time.Duration
	}{
		{StageAgentHandshake, handshake},
		{StageFirstAgentAudio, first},
		{StageSessionClose, closing},
	} {
		if len(s.samples) > 0 {
			out = append(out, summarize(s.name, s.samples))
		}
	}
	return out
}

func summarize(stage string, samples []time.Duration) StageStats {
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	target := stageTargetP95[stage]
	st := StageStats{
		Stage:       stage,
		Samples:     len(samples),
		P50MS:       ms(nearestRank(samples, 0.50)),
		P95MS:       ms(nearestRank(samples, 0.95)),
		MaxMS:       ms(samples[len(samples)-1]),
		TargetP95MS: ms(target),
	}
	if target > 0 {
		st.OverTarget = len(samples) - sort.Search(len(samples), func(i int) bool { return samples[i] > target })
	}
	return st
}

// nearestRank expects sorted, non-empty samples.
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	return sorted[max(rank, 0)]
}

func ms(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
