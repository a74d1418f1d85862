//go:build unix

package wal

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapping is a read-only memory map of one WAL file. The kernel pages
// frames in on demand, so opening a multi-gigabyte WAL costs nothing
// until its pages are actually inspected.
type mapping struct {
	data   []byte
	mapped bool
}

func openMapping(path string) (*mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }() // the map outlives the fd

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if st.Size() == 0 {
		// mmap of an empty file fails; an empty WAL is simply headerless.
		return &mapping{data: nil}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &mapping{data: data, mapped: true}, nil
}

func (m *mapping) Close() error {
	if !m.mapped {
		return nil
	}
	m.mapped = false
	data := m.data
	m.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}
