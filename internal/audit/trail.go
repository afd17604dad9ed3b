package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/bus"
)

// Entry event types.
const (
	EventRiskGate   = "risk_gate"
	EventProtection = "protection"
	EventSnipe      = "snipe"
	EventExit       = "exit"
	EventTrade      = "trade"
)

// Entry is one recorded decision. Every gate, verdict and transition that
// changes what the engine does gets an Entry.
type Entry struct {
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"ts"`
	UserID    int64     `json:"user_id,omitempty"`
	TokenMint string    `json:"token_mint,omitempty"`
	RefID     string    `json:"ref_id,omitempty"` // snipe, position or trade id
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
	Payload   string    `json:"payload,omitempty"` // JSON of the full detail
}

// Trail keeps a bounded in-memory buffer of entries (FIFO) and publishes
// each one to the audit topic.
type Trail struct {
	mu        sync.Mutex
	publisher *bus.Publisher
	entries   []Entry
	maxBuf    int
}

// NewTrail creates a new audit trail. A maxBuf of 0 disables buffering;
// publisher may be nil.
func NewTrail(publisher *bus.Publisher, maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	return &Trail{
		publisher: publisher,
		entries:   make([]Entry, 0, maxBuf),
		maxBuf:    maxBuf,
	}
}

// RecordRiskGate logs a buy rejected or allowed by a risk gate.
func (t *Trail) RecordRiskGate(userID int64, mint, gate string, allowed bool, reason string) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	t.record(Entry{
		EventType: EventRiskGate,
		UserID:    userID,
		TokenMint: mint,
		RefID:     gate,
		Decision:  decision,
		Reason:    reason,
	})
}

// RecordProtection logs a protection verdict with its full report.
func (t *Trail) RecordProtection(mint string, safe bool, riskScore int, report any) {
	decision := "unsafe"
	if safe {
		decision = "safe"
	}
	t.record(Entry{
		EventType: EventProtection,
		TokenMint: mint,
		Decision:  decision,
		Reason:    "risk_score=" + strconv.Itoa(riskScore),
		Payload:   mustMarshal(report),
	})
}

// RecordSnipe logs a snipe status transition.
func (t *Trail) RecordSnipe(userID int64, snipeID, mint, from, to, reason string) {
	t.record(Entry{
		EventType: EventSnipe,
		UserID:    userID,
		TokenMint: mint,
		RefID:     snipeID,
		Decision:  from + "->" + to,
		Reason:    reason,
	})
}

// RecordExit logs an exit decision for a position.
func (t *Trail) RecordExit(userID int64, positionID, mint, trigger string, executed bool, detail any) {
	decision := "failed"
	if executed {
		decision = "executed"
	}
	t.record(Entry{
		EventType: EventExit,
		UserID:    userID,
		TokenMint: mint,
		RefID:     positionID,
		Decision:  decision,
		Reason:    trigger,
		Payload:   mustMarshal(detail),
	})
}

// Query returns buffered entries for a user, newest last.
func (t *Trail) Query(userID int64) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Entry
	for _, e := range t.entries {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result
}

// Entries returns a copy of the buffer.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]Entry, len(t.entries))
	copy(result, t.entries)
	return result
}

// Len returns the number of buffered entries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Trail) record(entry Entry) {
	if t == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	t.mu.Lock()
	if t.maxBuf > 0 {
		if len(t.entries) >= t.maxBuf {
			copy(t.entries, t.entries[1:])
			t.entries[len(t.entries)-1] = entry
		} else {
			t.entries = append(t.entries, entry)
		}
	}
	t.mu.Unlock()

	// Publish outside the lock.
	key := entry.TokenMint
	if entry.RefID != "" {
		key = entry.RefID
	}
	t.publisher.Emit(context.Background(), bus.TopicAudit, key, entry)

	log.Debug().
		Str("event_type", entry.EventType).
		Str("decision", entry.Decision).
		Str("reason", entry.Reason).
		Msg("audit: recorded")
}

func mustMarshal(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("audit: marshal payload")
		return "{}"
	}
	return string(data)
}
