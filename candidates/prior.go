package candidates

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Prior maps a mention string to label co-occurrence counts.
type Prior map[string]map[int]int

// Add records one occurrence of label for mention.
func (p Prior) Add(mention string, label int) {
	counts, ok := p[mention]
	if !ok {
		counts = make(map[int]int)
		p[mention] = counts
	}
	counts[label]++
}

// Probabilities returns count/total for each id under mention. Unseen
// mentions and labels get 0.
func (p Prior) Probabilities(mention string, ids []int) []float64 {
	out := make([]float64, len(ids))
	counts := p[mention]
	if len(counts) == 0 {
		return out
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	for i, id := range ids {
		out[i] = float64(counts[id]) / float64(total)
	}
	return out
}

// Table is the persisted prior together with the entity/label index it was
// built against. Entities is ordered by label, i.e. by descending frequency.
type Table struct {
	TrainSize float64 `msgpack:"train_size"`
	Prior     Prior   `msgpack:"prior"`
	Entities  []int64 `msgpack:"entities"`

	labels map[int64]int
}

// Occurrence is one (mention, entity) pair seen in training pages.
type Occurrence struct {
	Mention  string
	EntityID int64
}

// Build assigns labels to entities by descending occurrence count (ties by
// entity id) and counts mention→label co-occurrences.
func Build(occurrences []Occurrence, trainSize float64) *Table {
	freq := make(map[int64]int)
	for _, o := range occurrences {
		freq[o.EntityID]++
	}
	entities := make([]int64, 0, len(freq))
	for id := range freq {
		entities = append(entities, id)
	}
	sort.Slice(entities, func(i, j int) bool {
		fi, fj := freq[entities[i]], freq[entities[j]]
		if fi != fj {
			return fi > fj
		}
		return entities[i] < entities[j]
	})

	t := &Table{TrainSize: trainSize, Prior: make(Prior), Entities: entities}
	t.index()
	for _, o := range occurrences {
		t.Prior.Add(o.Mention, t.labels[o.EntityID])
	}
	return t
}

func (t *Table) index() {
	t.labels = make(map[int64]int, len(t.Entities))
	for label, id := range t.Entities {
		t.labels[id] = label
	}
}

// Extend appends entities without a label after all existing ones, in
// ascending id order. It returns the number of labels added.
func (t *Table) Extend(entityIDs []int64) int {
	if t.labels == nil {
		t.index()
	}
	var missing []int64
	for _, id := range entityIDs {
		if _, ok := t.labels[id]; !ok {
			missing = append(missing, id)
			t.labels[id] = -1
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	for _, id := range missing {
		t.labels[id] = len(t.Entities)
		t.Entities = append(t.Entities, id)
	}
	return len(missing)
}

// NumLabels returns the size of the label space.
func (t *Table) NumLabels() int {
	return len(t.Entities)
}

// Label returns the label of an entity.
func (t *Table) Label(entityID int64) (int, bool) {
	if t.labels == nil {
		t.index()
	}
	label, ok := t.labels[entityID]
	return label, ok
}

// Entity returns the entity id of a label, or -1.
func (t *Table) Entity(label int) int64 {
	if label < 0 || label >= len(t.Entities) {
		return -1
	}
	return t.Entities[label]
}

// Save writes the table as zstd-compressed msgpack.
func Save(path string, t *Table) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(f)
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := msgpack.NewEncoder(zw).Encode(t); err != nil {
		_ = zw.Close()
		return fmt.Errorf("candidates: encode prior: %w", err)
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return w.Flush()
}

// Load reads a table written by Save and checks that it was built with
// trainSize.
func Load(path string, trainSize float64) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	zr, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var t Table
	if err := msgpack.NewDecoder(zr).Decode(&t); err != nil {
		return nil, fmt.Errorf("candidates: decode prior %s: %w", path, err)
	}
	if math.Abs(t.TrainSize-trainSize) > 1e-9 {
		return nil, &ConfigError{Msg: fmt.Sprintf(
			"prior at %s uses train size %g; rebuild it with `deepel data prior` and train size %g",
			path, t.TrainSize, trainSize)}
	}
	if t.Prior == nil {
		t.Prior = make(Prior)
	}
	t.index()
	return &t, nil
}

// ConfigError reports a prior or sampler that does not match the current
// configuration.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "candidates: " + e.Msg
}
