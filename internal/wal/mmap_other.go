//go:build !unix

package wal

import "os"

// mapping falls back to reading the whole file where mmap is not
// available. Page views keep the same zero-copy semantics against the
// in-memory buffer.
type mapping struct {
	data []byte
}

func openMapping(path string) (*mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &mapping{data: data}, nil
}

func (m *mapping) Close() error {
	m.data = nil
	return nil
}
