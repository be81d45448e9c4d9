package labelvec

import (
	"encoding/binary"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

var metaKey = []byte("meta")

type meta struct {
	Size int `msgpack:"size"`
	Dim  int `msgpack:"dim"`
}

func vectorKey(id int) []byte {
	k := make([]byte, 2+8)
	copy(k, "v/")
	binary.BigEndian.PutUint64(k[2:], uint64(id))
	return k
}

// Badger is a Provider backed by BadgerDB, for label spaces too large to keep
// as Go slices.
type Badger struct {
	db   *badger.DB
	meta meta
}

// BadgerOptions configures the store.
type BadgerOptions struct {
	// Dir is the data directory. Required unless InMemory is set.
	Dir string
	// InMemory runs BadgerDB without disk persistence.
	InMemory bool
}

func openBadger(opts BadgerOptions) (*badger.DB, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("labelvec: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	return badger.Open(dbOpts)
}

// OpenBadger opens an existing vector store.
func OpenBadger(opts BadgerOptions) (*Badger, error) {
	db, err := openBadger(opts)
	if err != nil {
		return nil, err
	}
	b := &Badger{db: db}
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &b.meta)
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("labelvec: read metadata: %w", err)
	}
	return b, nil
}

// WriteBadger stores vectors in a new store and returns it open for reads.
func WriteBadger(opts BadgerOptions, vectors [][]float64) (*Badger, error) {
	mem, err := NewMemory(vectors)
	if err != nil {
		return nil, err
	}
	db, err := openBadger(opts)
	if err != nil {
		return nil, err
	}

	wb := db.NewWriteBatch()
	for id, v := range vectors {
		val, err := msgpack.Marshal(v)
		if err != nil {
			wb.Cancel()
			_ = db.Close()
			return nil, err
		}
		if err := wb.Set(vectorKey(id), val); err != nil {
			wb.Cancel()
			_ = db.Close()
			return nil, err
		}
	}
	m := meta{Size: mem.Size(), Dim: mem.Dim()}
	val, err := msgpack.Marshal(m)
	if err != nil {
		wb.Cancel()
		_ = db.Close()
		return nil, err
	}
	if err := wb.Set(metaKey, val); err != nil {
		wb.Cancel()
		_ = db.Close()
		return nil, err
	}
	if err := wb.Flush(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Badger{db: db, meta: m}, nil
}

// Get returns the vector for id.
func (b *Badger) Get(id int) ([]float64, error) {
	if id < 0 || id >= b.meta.Size {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	var v []float64
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(vectorKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return v, err
}

// Size returns the number of labels.
func (b *Badger) Size() int {
	return b.meta.Size
}

// Dim returns the vector dimension.
func (b *Badger) Dim() int {
	return b.meta.Dim
}

// Close closes the underlying database.
func (b *Badger) Close() error {
	return b.db.Close()
}
