package autoaction

// LedgerEntry is one auto-acted item.
type LedgerEntry struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"`
}

// Ledger is a bounded most-recently-used record of auto-acted items.
// MaxCreatedAt is the creation time of the newest item ever recorded and
// survives pruning.
type Ledger struct {
	Entries      []LedgerEntry `json:"entries"`
	MaxCreatedAt int64         `json:"maxCreatedAt"`

	capacity int
}

func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = 100
	}
	return &Ledger{capacity: capacity}
}

func (l *Ledger) Contains(id string) bool {
	for _, entry := range l.Entries {
		if entry.ID == id {
			return true
		}
	}
	return false
}

// Record moves id to the front and prunes the least recently recorded
// entries beyond capacity.
func (l *Ledger) Record(id string, createdAt int64) {
	kept := make([]LedgerEntry, 0, len(l.Entries)+1)
	kept = append(kept, LedgerEntry{ID: id, CreatedAt: createdAt})
	for _, entry := range l.Entries {
		if entry.ID != id {
			kept = append(kept, entry)
		}
	}
	if len(kept) > l.capacity {
		kept = kept[:l.capacity]
	}
	l.Entries = kept
	if createdAt > l.MaxCreatedAt {
		l.MaxCreatedAt = createdAt
	}
}

func (l *Ledger) Len() int {
	return len(l.Entries)
}

func (l *Ledger) setCapacity(capacity int) {
	if capacity <= 0 {
		capacity = 100
	}
	l.capacity = capacity
	if len(l.Entries) > capacity {
		l.Entries = l.Entries[:capacity]
	}
}
