package orchestrator

import (
	"time"

	"github.com/ducminhle1904/trade-execution-core/pkg/types"
)

// AuditStatus tracks a decision after it was produced
type AuditStatus string

const (
	AuditRejected AuditStatus = "REJECTED"
	AuditEmitted  AuditStatus = "EMITTED"
	AuditExecuted AuditStatus = "EXECUTED"
	AuditFailed   AuditStatus = "FAILED"
)

// AuditEntry is one decision and what became of it
type AuditEntry struct {
	Decision  types.ExecutionDecision `json:"decision"`
	Status    AuditStatus             `json:"status"`
	FillPrice float64                 `json:"fill_price,omitempty"`
	PnL       float64                 `json:"pnl,omitempty"`
	Fees      float64                 `json:"fees,omitempty"`
	Error     string                  `json:"error,omitempty"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// auditRing keeps the most recent entries, oldest first
type auditRing struct {
	entries []AuditEntry
	size    int
}

func newAuditRing(size int) *auditRing {
	if size <= 0 {
		size = 1000
	}
	return &auditRing{entries: make([]AuditEntry, 0, size), size: size}
}

func (r *auditRing) add(e AuditEntry) {
	if len(r.entries) == r.size {
		copy(r.entries, r.entries[1:])
		r.entries = r.entries[:r.size-1]
	}
	r.entries = append(r.entries, e)
}

// update applies fn to the newest entry for decisionID
func (r *auditRing) update(decisionID string, fn func(*AuditEntry)) bool {
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].Decision.ID == decisionID {
			fn(&r.entries[i])
			return true
		}
	}
	return false
}

func (r *auditRing) list() []AuditEntry {
	return append([]AuditEntry(nil), r.entries...)
}

// recordedSet remembers the most recent recorded decision ids so a repeated
// RecordExecution is a no-op, including across a restart
type recordedSet struct {
	ids   map[string]struct{}
	order []string
	size  int
}

func newRecordedSet(size int) *recordedSet {
	if size <= 0 {
		size = 1000
	}
	return &recordedSet{ids: make(map[string]struct{}, size), size: size}
}

func (s *recordedSet) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *recordedSet) add(id string) {
	if s.has(id) {
		return
	}
	if len(s.order) == s.size {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
}

func (s *recordedSet) list() []string {
	return append([]string(nil), s.order...)
}
