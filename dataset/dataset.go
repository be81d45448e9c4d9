// Package dataset resolves streamed mention ids into training samples.
//
// A Dataset walks the same page order as the sampler, buffering eligible
// mentions a few batches ahead. Per-page artifacts are built on first use
// and held in a reference-counted cache until the page's last buffered
// mention has been dispatched.
package dataset

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	gocache "github.com/patrickmn/go-cache"

	"github.com/happyhackingspace/deepel/candidates"
	"github.com/happyhackingspace/deepel/internal/pagecache"
	"github.com/happyhackingspace/deepel/internal/storage"
	"github.com/happyhackingspace/deepel/internal/textutil"
	"github.com/happyhackingspace/deepel/internal/vectorizer"
	"github.com/happyhackingspace/deepel/sampler"
)

// Config controls buffering.
type Config struct {
	BatchSize   int
	MinMentions int
	// BufferScale is how many batches of mentions are fetched per load.
	BufferScale int
	// WindowSize is the number of page ids per count query. Defaults to
	// storage.WindowSize.
	WindowSize int
	// Placeholder resolves sampler.Placeholder ids to the next buffered
	// mention.
	Placeholder bool
	// NameCacheTTL bounds how long entity names are cached. Zero keeps
	// them for the lifetime of the dataset.
	NameCacheTTL time.Duration
}

// Page is the per-page artifact shared by all samples on the page.
type Page struct {
	ID        int64
	Content   string
	Sentences [][2]int
	// Bag is the TF-IDF vector of the page content.
	Bag vectorizer.SparseVector
	// MentionBag is the TF-IDF vector of all buffered mention strings on
	// the page.
	MentionBag vectorizer.SparseVector
}

// Sample is one mention ready for encoding.
type Sample struct {
	MentionID int64
	EntityID  int64
	Mention   string
	Label     int
	// Candidates are label ids, CandidateNames their entity names.
	Candidates     []int
	CandidateNames []string
	// Prior is p(label | mention) from the prior table per candidate.
	Prior []float64
	// Similarity is the string similarity of the mention to each
	// candidate name.
	Similarity []float64
	// Left holds the sentence tokens up to the mention end, Right those
	// from the mention start to the sentence end.
	Left, Right []int
	Page        *Page
}

// TrueIndex returns the position of Label in Candidates, or -1.
func (s *Sample) TrueIndex() int {
	for i, c := range s.Candidates {
		if c == s.Label {
			return i
		}
	}
	return -1
}

type pending struct {
	mention    storage.Mention
	label      int
	candidates []int
}

type pageInfo struct {
	refs     int
	content  string
	mentions []string
}

// Dataset turns mention ids into samples. It is not safe for concurrent
// use.
type Dataset struct {
	store storage.Store
	pages []int64
	cfg   Config

	table *candidates.Table
	cands *candidates.Sampler
	vocab *vectorizer.Vocabulary
	tfidf *vectorizer.TfidfVectorizer

	cursor   int
	eligible *roaring64.Bitmap
	buffered map[int64]*pending
	pageInfo map[int64]*pageInfo
	queue    []int64
	cache    *pagecache.Cache[*Page]
	names    *gocache.Cache
}

// New creates a dataset over pageIDs. The eligible entity set is read once
// from the store.
func New(ctx context.Context, store storage.Store, pageIDs []int64, table *candidates.Table, cands *candidates.Sampler, vocab *vectorizer.Vocabulary, cfg Config) (*Dataset, error) {
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("dataset: batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.BufferScale < 1 {
		cfg.BufferScale = 1
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = storage.WindowSize
	}
	ids, err := store.EligibleEntities(ctx, cfg.MinMentions)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	eligible := roaring64.New()
	for _, id := range ids {
		eligible.Add(uint64(id))
	}

	d := &Dataset{
		store:    store,
		pages:    pageIDs,
		cfg:      cfg,
		table:    table,
		cands:    cands,
		vocab:    vocab,
		tfidf:    vectorizer.NewTfidfVectorizer(vocab, false),
		eligible: eligible,
		buffered: make(map[int64]*pending),
		pageInfo: make(map[int64]*pageInfo),
		names:    gocache.New(cfg.NameCacheTTL, cfg.NameCacheTTL),
	}
	d.cache = pagecache.New[*Page](func(pageID int64) {
		delete(d.pageInfo, pageID)
		slog.Debug("Evicted page", "page_id", pageID)
	})
	slog.Debug("Dataset ready", "pages", len(pageIDs), "eligible_entities", eligible.GetCardinality())
	return d, nil
}

// CachedPages returns the number of live page artifacts.
func (d *Dataset) CachedPages() int {
	return d.cache.Len()
}

// Buffered returns the number of loaded mentions not yet dispatched.
func (d *Dataset) Buffered() int {
	return len(d.buffered)
}

// Batch resolves every id in ids.
func (d *Dataset) Batch(ctx context.Context, ids []int64) ([]*Sample, error) {
	out := make([]*Sample, 0, len(ids))
	for _, id := range ids {
		s, err := d.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Get returns the sample for mention id and releases its page reference.
// sampler.Placeholder resolves to the next buffered mention in load order
// when Config.Placeholder is set.
func (d *Dataset) Get(ctx context.Context, id int64) (*Sample, error) {
	if id == sampler.Placeholder {
		if !d.cfg.Placeholder {
			return nil, fmt.Errorf("dataset: placeholder id without placeholder mode")
		}
		next, err := d.nextQueued(ctx)
		if err != nil {
			return nil, err
		}
		id = next
	}

	p, ok := d.buffered[id]
	for !ok && d.cursor < len(d.pages) {
		if err := d.load(ctx); err != nil {
			return nil, err
		}
		p, ok = d.buffered[id]
	}
	if !ok {
		return nil, fmt.Errorf("dataset: mention %d not found in remaining pages", id)
	}
	delete(d.buffered, id)

	pageID := p.mention.PageID
	info := d.pageInfo[pageID]
	page, err := d.cache.Acquire(pageID, info.refs, func() (*Page, error) {
		return d.buildPage(pageID, info), nil
	})
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	sample, err := d.sample(ctx, p, page)
	if err != nil {
		return nil, err
	}
	if _, err := d.cache.Release(pageID); err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	return sample, nil
}

func (d *Dataset) nextQueued(ctx context.Context) (int64, error) {
	for {
		for len(d.queue) > 0 {
			id := d.queue[0]
			d.queue = d.queue[1:]
			if _, ok := d.buffered[id]; ok {
				return id, nil
			}
		}
		if d.cursor >= len(d.pages) {
			return 0, io.EOF
		}
		if err := d.load(ctx); err != nil {
			return 0, err
		}
	}
}

// load reads page windows until at least BatchSize*BufferScale eligible
// mentions are covered, then buffers their mentions and candidates.
func (d *Dataset) load(ctx context.Context) error {
	target := d.cfg.BatchSize * d.cfg.BufferScale
	var pageIDs []int64
	count := 0
	for count < target && d.cursor < len(d.pages) {
		end := min(d.cursor+d.cfg.WindowSize, len(d.pages))
		window := d.pages[d.cursor:end]
		n, err := d.store.CountMentions(ctx, window, d.cfg.MinMentions)
		if err != nil {
			return fmt.Errorf("dataset: %w", err)
		}
		count += n
		pageIDs = append(pageIDs, window...)
		d.cursor = end
	}

	byPage, err := d.store.Mentions(ctx, pageIDs)
	if err != nil {
		return fmt.Errorf("dataset: %w", err)
	}

	var withMentions []int64
	labels := make(map[int]struct{})
	for _, pageID := range pageIDs {
		info := &pageInfo{}
		for _, m := range byPage[pageID] {
			if !d.eligible.Contains(uint64(m.EntityID)) {
				continue
			}
			label, ok := d.table.Label(m.EntityID)
			if !ok {
				return fmt.Errorf("dataset: entity %d has no label; rebuild the prior table", m.EntityID)
			}
			cands := d.cands.Sample(m.Text, label)
			for _, c := range cands {
				labels[c] = struct{}{}
			}
			d.buffered[m.ID] = &pending{mention: m, label: label, candidates: cands}
			if d.cfg.Placeholder {
				d.queue = append(d.queue, m.ID)
			}
			info.refs++
			info.mentions = append(info.mentions, m.Text)
		}
		if info.refs > 0 {
			d.pageInfo[pageID] = info
			withMentions = append(withMentions, pageID)
		}
	}

	contents, err := d.store.PageContents(ctx, withMentions)
	if err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	for _, pageID := range withMentions {
		d.pageInfo[pageID].content = contents[pageID]
	}

	entityIDs := make([]int64, 0, len(labels))
	for label := range labels {
		entityIDs = append(entityIDs, d.table.Entity(label))
	}
	if err := d.fetchNames(ctx, entityIDs); err != nil {
		return err
	}
	slog.Debug("Loaded pages", "pages", len(pageIDs), "with_mentions", len(withMentions), "buffered", len(d.buffered))
	return nil
}

func nameKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// fetchNames loads names missing from the cache.
func (d *Dataset) fetchNames(ctx context.Context, entityIDs []int64) error {
	var missing []int64
	for _, id := range entityIDs {
		if _, ok := d.names.Get(nameKey(id)); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	names, err := d.store.EntityNames(ctx, missing)
	if err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	for _, id := range missing {
		// Unknown entities are cached as "" so they are not queried again.
		d.names.Set(nameKey(id), names[id], gocache.DefaultExpiration)
	}
	return nil
}

func (d *Dataset) buildPage(pageID int64, info *pageInfo) *Page {
	content := info.content
	info.content = ""
	mentionText := strings.Join(info.mentions, " ")
	return &Page{
		ID:         pageID,
		Content:    content,
		Sentences:  textutil.SentenceSpans(content),
		Bag:        d.tfidf.Transform(content),
		MentionBag: d.tfidf.Transform(mentionText),
	}
}

func (d *Dataset) sample(ctx context.Context, p *pending, page *Page) (*Sample, error) {
	m := p.mention
	entityIDs := make([]int64, len(p.candidates))
	for i, c := range p.candidates {
		entityIDs[i] = d.table.Entity(c)
	}
	// Names may have expired since the window was loaded.
	if err := d.fetchNames(ctx, entityIDs); err != nil {
		return nil, err
	}

	names := make([]string, len(entityIDs))
	sim := make([]float64, len(entityIDs))
	for i, id := range entityIDs {
		if v, ok := d.names.Get(nameKey(id)); ok {
			names[i] = v.(string)
		}
		sim[i] = textutil.Similarity(m.Text, names[i])
	}

	left, right := d.sentenceContext(page, m)
	return &Sample{
		MentionID:      m.ID,
		EntityID:       m.EntityID,
		Mention:        m.Text,
		Label:          p.label,
		Candidates:     p.candidates,
		CandidateNames: names,
		Prior:          d.table.Prior.Probabilities(m.Text, p.candidates),
		Similarity:     sim,
		Left:           left,
		Right:          right,
		Page:           page,
	}, nil
}

// sentenceContext encodes the sentence around m. Offsets outside the
// content are clamped to the sentence.
func (d *Dataset) sentenceContext(page *Page, m storage.Mention) (left, right []int) {
	content := page.Content
	span := textutil.SpanAt(page.Sentences, m.Offset, len(content))
	start := min(max(m.Offset, span[0]), span[1])
	end := min(max(m.Offset+len(m.Text), start), span[1])

	left = d.vocab.Encode(textutil.Tokenize(content[span[0]:end]))
	left = append(left, vectorizer.MentionEnd)
	right = append([]int{vectorizer.MentionStart}, d.vocab.Encode(textutil.Tokenize(content[start:span[1]]))...)
	return left, right
}
