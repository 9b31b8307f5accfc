//go:build linux

package lumen

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves size bytes for the file, extending its length.
func preallocate(f *os.File, size int64) error {
	return unix.Fallocate(int(f.Fd()), 0, 0, size)
}

// fdatasync flushes file data without forcing a metadata sync.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
