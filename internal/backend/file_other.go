//go:build !linux

package backend

import "errors"

// File is unavailable off Linux: O_DIRECT and sync_file_range have no
// portable equivalent. Use Memory for non-Linux development builds.
type File struct{}

func OpenFile(path string, size int64) (*File, error) {
	return nil, errors.New("backend: File is only supported on linux")
}

func (fl *File) ReadAt(p []byte, off int64) (int, error)  { return 0, errors.New("unsupported") }
func (fl *File) WriteAt(p []byte, off int64) (int, error) { return 0, errors.New("unsupported") }
func (fl *File) Size() int64                              { return 0 }
func (fl *File) Close() error                             { return nil }
func (fl *File) Flush() error                              { return nil }
func (fl *File) SyncRange(offset, length int64) error      { return nil }
