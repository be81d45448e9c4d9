// Package storage provides read-only windowed access to the pages, mentions
// and entities the trainer streams over.
//
// Every query takes an explicit id list and binds it as parameters; callers
// batch at most WindowSize ids per round trip.
package storage

import "context"

// WindowSize is the maximum number of ids sent in one round trip.
const WindowSize = 10000

// Mention is one linked mention on a page.
type Mention struct {
	ID       int64
	PageID   int64
	EntityID int64
	Text     string
	Offset   int // byte offset of Text in the page content
}

// Page is a document with its plain-text content.
type Page struct {
	ID      int64
	Title   string
	Content string
}

// Entity is a link target.
type Entity struct {
	ID          int64
	Name        string
	NumMentions int
}

// Store is the backing mention store. An entity is eligible when it has at
// least minMentions mentions in the corpus, so the threshold is inclusive
// (num_mentions >= minMentions, not > minMentions).
type Store interface {
	// EligibleMentionIDs returns, per page, the ids of mentions whose entity
	// is eligible, in ascending id order. Pages without eligible mentions are
	// absent from the result.
	EligibleMentionIDs(ctx context.Context, pageIDs []int64, minMentions int) (map[int64][]int64, error)
	// CountMentions counts eligible mentions over pageIDs.
	CountMentions(ctx context.Context, pageIDs []int64, minMentions int) (int, error)
	// Mentions returns all mentions of pageIDs grouped by page, in id order.
	Mentions(ctx context.Context, pageIDs []int64) (map[int64][]Mention, error)
	// PageContents returns the content of pageIDs.
	PageContents(ctx context.Context, pageIDs []int64) (map[int64]string, error)
	// EntityNames returns the names of entityIDs.
	EntityNames(ctx context.Context, entityIDs []int64) (map[int64]string, error)
	// EligibleEntities returns the ids of all eligible entities.
	EligibleEntities(ctx context.Context, minMentions int) ([]int64, error)
}

// Windows splits ids into consecutive slices of at most size elements.
func Windows(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = WindowSize
	}
	var out [][]int64
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		out = append(out, ids[start:end])
	}
	return out
}
