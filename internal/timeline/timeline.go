package timeline

import (
	"sort"
	"time"
)

// Outcome describes what an insert did to a timeline.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeAppended
	OutcomeMerged
	OutcomeReplaced
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAppended:
		return "appended"
	case OutcomeMerged:
		return "merged"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "ignored"
	}
}

// Timeline is the ordered, deduplicated message list of one room.
// Not safe for concurrent use; Store serializes access.
type Timeline struct {
	roomID  string
	msgs    []Message
	ids     map[string]struct{}
	cursor  time.Time
	hasMore bool
}

func newTimeline(roomID string) *Timeline {
	return &Timeline{roomID: roomID, ids: make(map[string]struct{}), hasMore: true}
}

// Len returns the number of rows.
func (t *Timeline) Len() int { return len(t.msgs) }

// Snapshot copies the rows.
func (t *Timeline) Snapshot() []Message {
	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Cursor is the oldest timestamp loaded so far.
func (t *Timeline) Cursor() time.Time { return t.cursor }

func (t *Timeline) indexOfID(id string) int {
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) indexOfCorrelation(cid string) int {
	if cid == "" {
		return -1
	}
	for i := range t.msgs {
		if t.msgs[i].CorrelationID == cid && t.msgs[i].Status != StatusConfirmed {
			return i
		}
	}
	return -1
}

// upsert places m and reports where it ended up.
func (t *Timeline) upsert(m Message) (int, Outcome) {
	if i := t.indexOfCorrelation(m.CorrelationID); i >= 0 && m.ID != "" {
		if j := t.indexOfID(m.ID); j >= 0 {
			// The echo already landed without its correlation id.
			t.msgs[j].Deleted = t.msgs[j].Deleted || m.Deleted
			t.msgs[j].CorrelationID = m.CorrelationID
			t.remove(i)
			if j > i {
				j--
			}
			return j, OutcomeReplaced
		}
		t.msgs[i] = m
		t.ids[m.ID] = struct{}{}
		return i, OutcomeReplaced
	}

	if m.ID != "" {
		if _, ok := t.ids[m.ID]; ok {
			j := t.indexOfID(m.ID)
			t.msgs[j].Deleted = t.msgs[j].Deleted || m.Deleted
			return j, OutcomeDuplicate
		}
		t.ids[m.ID] = struct{}{}
	}

	t.touchCursor(m.Timestamp)
	n := len(t.msgs)
	if n == 0 || !m.Timestamp.Before(t.msgs[n-1].Timestamp) {
		t.msgs = append(t.msgs, m)
		return n, OutcomeAppended
	}

	idx := sort.Search(n, func(i int) bool { return t.msgs[i].Timestamp.After(m.Timestamp) })
	t.msgs = append(t.msgs, Message{})
	copy(t.msgs[idx+1:], t.msgs[idx:])
	t.msgs[idx] = m
	return idx, OutcomeMerged
}

// appendPending puts an optimistic entry at the tail regardless of timestamp.
func (t *Timeline) appendPending(m Message) int {
	t.msgs = append(t.msgs, m)
	return len(t.msgs) - 1
}

// prepend adds an older page in front of the loaded rows without touching
// their relative order. Rows already present are skipped; a row confirming a
// pending entry replaces it in place instead, and its correlation id is
// returned in confirmed.
func (t *Timeline) prepend(page []Message) (added int, confirmed []string) {
	fresh := make([]Message, 0, len(page))
	for _, m := range page {
		if m.ID != "" {
			if _, ok := t.ids[m.ID]; ok {
				continue
			}
		}
		if i := t.indexOfCorrelation(m.CorrelationID); i >= 0 {
			t.msgs[i] = m
			if m.ID != "" {
				t.ids[m.ID] = struct{}{}
			}
			confirmed = append(confirmed, m.CorrelationID)
			continue
		}
		if m.ID != "" {
			t.ids[m.ID] = struct{}{}
		}
		fresh = append(fresh, m)
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].Timestamp.Before(fresh[j].Timestamp) })

	if len(fresh) > 0 {
		t.touchCursor(fresh[0].Timestamp)
		t.msgs = append(fresh, t.msgs...)
	}
	return len(fresh), confirmed
}

func (t *Timeline) remove(i int) {
	t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
}

// touchCursor only ever moves the cursor backward.
func (t *Timeline) touchCursor(ts time.Time) {
	if t.cursor.IsZero() || ts.Before(t.cursor) {
		t.cursor = ts
	}
}
