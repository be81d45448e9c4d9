package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store. It records how it is queried so callers can
// check windowing behaviour.
type Memory struct {
	mu       sync.Mutex
	pages    map[int64]Page
	entities map[int64]Entity
	mentions map[int64][]Mention // by page

	roundTrips int
	maxBatch   int
}

// NewMemory builds a store from pages and mentions. Entity mention counts are
// derived from mentions; names come from names when present.
func NewMemory(pages []Page, mentions []Mention, names map[int64]string) *Memory {
	m := &Memory{
		pages:    make(map[int64]Page, len(pages)),
		entities: make(map[int64]Entity),
		mentions: make(map[int64][]Mention),
	}
	for _, p := range pages {
		m.pages[p.ID] = p
	}
	for _, mn := range mentions {
		m.mentions[mn.PageID] = append(m.mentions[mn.PageID], mn)
		e := m.entities[mn.EntityID]
		e.ID = mn.EntityID
		e.Name = names[mn.EntityID]
		e.NumMentions++
		m.entities[mn.EntityID] = e
	}
	for _, ms := range m.mentions {
		sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
	}
	return m
}

// RoundTrips returns the number of id-list queries served.
func (m *Memory) RoundTrips() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roundTrips
}

// MaxBatch returns the largest id list seen in a single round trip.
func (m *Memory) MaxBatch() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxBatch
}

// track accounts one round trip per window, like SQLite.
func (m *Memory) track(ids []int64) [][]int64 {
	windows := Windows(ids, WindowSize)
	m.roundTrips += len(windows)
	for _, w := range windows {
		m.maxBatch = max(m.maxBatch, len(w))
	}
	return windows
}

func (m *Memory) eligible(mn Mention, minMentions int) bool {
	return m.entities[mn.EntityID].NumMentions >= minMentions
}

// EligibleMentionIDs implements Store.
func (m *Memory) EligibleMentionIDs(ctx context.Context, pageIDs []int64, minMentions int) (map[int64][]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64][]int64)
	for _, w := range m.track(pageIDs) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, pid := range w {
			for _, mn := range m.mentions[pid] {
				if m.eligible(mn, minMentions) {
					out[pid] = append(out[pid], mn.ID)
				}
			}
		}
	}
	return out, nil
}

// CountMentions implements Store.
func (m *Memory) CountMentions(ctx context.Context, pageIDs []int64, minMentions int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.track(pageIDs) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		for _, pid := range w {
			for _, mn := range m.mentions[pid] {
				if m.eligible(mn, minMentions) {
					n++
				}
			}
		}
	}
	return n, nil
}

// Mentions implements Store.
func (m *Memory) Mentions(ctx context.Context, pageIDs []int64) (map[int64][]Mention, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64][]Mention)
	for _, w := range m.track(pageIDs) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, pid := range w {
			if ms, ok := m.mentions[pid]; ok {
				out[pid] = append([]Mention(nil), ms...)
			}
		}
	}
	return out, nil
}

// PageContents implements Store.
func (m *Memory) PageContents(ctx context.Context, pageIDs []int64) (map[int64]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]string, len(pageIDs))
	for _, w := range m.track(pageIDs) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, pid := range w {
			if p, ok := m.pages[pid]; ok {
				out[pid] = p.Content
			}
		}
	}
	return out, nil
}

// EntityNames implements Store.
func (m *Memory) EntityNames(ctx context.Context, entityIDs []int64) (map[int64]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]string, len(entityIDs))
	for _, w := range m.track(entityIDs) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, id := range w {
			if e, ok := m.entities[id]; ok {
				out[id] = e.Name
			}
		}
	}
	return out, nil
}

// EligibleEntities implements Store.
func (m *Memory) EligibleEntities(ctx context.Context, minMentions int) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roundTrips++
	var ids []int64
	for id, e := range m.entities {
		if e.NumMentions >= minMentions {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
