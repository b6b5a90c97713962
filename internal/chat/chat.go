// Package chat holds the in-memory message list of one conversation.
package chat

import (
	"parley/internal/models"
)

// Timeline is an ordered list of messages with unique ids. Older pages are
// prepended and new messages appended; entries are never reordered.
// A Timeline is not safe for concurrent use.
type Timeline struct {
	records []models.Message
	index   map[string]int
}

func NewTimeline() *Timeline {
	return &Timeline{index: make(map[string]int)}
}

func (t *Timeline) Len() int {
	return len(t.records)
}

func (t *Timeline) Contains(id string) bool {
	_, ok := t.index[id]
	return ok
}

// Reset replaces the contents with msgs, dropping repeated ids.
func (t *Timeline) Reset(msgs []models.Message) {
	t.records = make([]models.Message, 0, len(msgs))
	t.index = make(map[string]int, len(msgs))
	for _, m := range msgs {
		t.Append(m)
	}
}

// Append adds m at the end unless its id is already present.
func (t *Timeline) Append(m models.Message) bool {
	if t.Contains(m.ID) {
		return false
	}
	t.index[m.ID] = len(t.records)
	t.records = append(t.records, m)
	return true
}

// Prepend inserts an older page before the current entries, skipping ids
// already present. It returns the number of inserted messages.
func (t *Timeline) Prepend(page []models.Message) int {
	fresh := make([]models.Message, 0, len(page))
	seen := make(map[string]bool, len(page))
	for _, m := range page {
		if t.Contains(m.ID) || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return 0
	}
	t.records = append(fresh, t.records...)
	t.reindex()
	return len(fresh)
}

// Replace swaps the entry with m's id in place.
func (t *Timeline) Replace(m models.Message) bool {
	i, ok := t.index[m.ID]
	if !ok {
		return false
	}
	t.records[i] = m
	return true
}

func (t *Timeline) Remove(id string) bool {
	i, ok := t.index[id]
	if !ok {
		return false
	}
	t.records = append(t.records[:i], t.records[i+1:]...)
	t.reindex()
	return true
}

// Rebase resets the timeline to a freshly fetched latest page, keeping
// entries that are newer than everything in the page.
func (t *Timeline) Rebase(page []models.Message) {
	var newer []models.Message
	if len(page) > 0 {
		last := page[len(page)-1]
		for _, m := range t.records {
			if m.CreatedAt.After(last.CreatedAt) {
				newer = append(newer, m)
			}
		}
	}
	t.Reset(page)
	for _, m := range newer {
		t.Append(m)
	}
}

func (t *Timeline) Oldest() (models.Message, bool) {
	if len(t.records) == 0 {
		return models.Message{}, false
	}
	return t.records[0], true
}

// Messages returns a copy of the entries in order.
func (t *Timeline) Messages() []models.Message {
	out := make([]models.Message, len(t.records))
	copy(out, t.records)
	return out
}

func (t *Timeline) reindex() {
	t.index = make(map[string]int, len(t.records))
	for i, m := range t.records {
		t.index[m.ID] = i
	}
}
