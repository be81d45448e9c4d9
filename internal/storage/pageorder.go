package storage

import (
	"bufio"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// SavePageOrder writes the page traversal order as zstd-compressed msgpack.
func SavePageOrder(path string, ids []int64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create page order: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := msgpack.NewEncoder(enc).Encode(ids); err != nil {
		_ = enc.Close()
		return fmt.Errorf("encode page order: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// LoadPageOrder reads a file written by SavePageOrder.
func LoadPageOrder(path string) ([]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open page order: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var ids []int64
	if err := msgpack.NewDecoder(dec).Decode(&ids); err != nil {
		return nil, fmt.Errorf("decode page order: %w", err)
	}
	return ids, nil
}

// Split divides the page order into a training prefix holding trainSize of
// the pages and the remaining validation suffix.
func Split(ids []int64, trainSize float64) (train, valid []int64) {
	n := int(float64(len(ids)) * trainSize)
	n = max(0, min(n, len(ids)))
	return ids[:n], ids[n:]
}
