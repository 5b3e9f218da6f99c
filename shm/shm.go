// Package shm maps file-backed shared memory segments, typically under
// /dev/shm, so unrelated processes can attach to the same queue region.
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Segment is a handle to a mapped shared memory region.
type Segment struct {
	path string
	data []byte
}

// Attach opens or creates the backing file at path, truncates it to size and
// maps it read-write. A freshly created file is zero filled by the kernel,
// which is exactly a valid empty queue region.
func Attach(path string, size int) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %q: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("failed to resize segment %q to %d bytes: %w", path, size, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map segment %q: %w", path, err)
	}

	return &Segment{path: path, data: data}, nil
}

// AttachReadOnly maps an existing segment with PROT_READ only, as a
// subscriber does. It fails if the file is missing or smaller than size.
func AttachReadOnly(path string, size int) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %q: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat segment %q: %w", path, err)
	}
	if fi.Size() < int64(size) {
		return nil, fmt.Errorf("segment %q is %d bytes, need %d", path, fi.Size(), size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map segment %q: %w", path, err)
	}

	return &Segment{path: path, data: data}, nil
}

// Bytes returns the mapped region.
func (m *Segment) Bytes() []byte {
	return m.data
}

// Path returns the backing file path.
func (m *Segment) Path() string {
	return m.path
}

// Detach unmaps the segment. The backing file stays in place for other
// processes; remove it with Unlink when the queue is retired.
func (m *Segment) Detach() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}

// Unlink removes the backing file.
func Unlink(path string) error {
	return os.Remove(path)
}
