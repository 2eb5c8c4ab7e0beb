//go:build !linux

package mdio

import "errors"

// Ring is unavailable off Linux; the gate falls back to the Backend
// interface's ReadAt/WriteAt/Flush on other platforms.
type Ring struct{}

func NewRing() (*Ring, error) { return nil, errors.New("mdio: io_uring ring only available on linux") }

func (r *Ring) Close() error { return nil }

func (r *Ring) ReadAt(fd int, buf []byte, off int64) (int, error) { return 0, errors.New("unsupported") }
func (r *Ring) WriteAt(fd int, buf []byte, off int64) (int, error) { return 0, errors.New("unsupported") }
func (r *Ring) Fdatasync(fd int) error { return errors.New("unsupported") }
func (r *Ring) Fsync(fd int) error     { return errors.New("unsupported") }
