//go:build linux

package mdio

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Minimal io_uring plumbing for the metadata gate's single outstanding
// I/O. Adapted from the teacher's internal/uring/minimal.go, trimmed to
// standard READ/WRITE/FSYNC opcodes on a 64-byte SQE / 16-byte CQE ring
// instead of the teacher's URING_CMD/SQE128 setup, since the gate only
// ever has one 4 KiB block in flight at a time.
const (
	opRead  uint8 = 22
	opWrite uint8 = 23
	opFsync uint8 = 3

	fsyncDatasync uint32 = 1 << 0

	enterGetEvents uint32 = 1 << 0
)

type ioUringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        ringOffsets
	cqOff        ringOffsets
}

type ringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type sqe64 struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opFlags     uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	addr3       uint64
	pad         uint64
}

type cqe16 struct {
	userData uint64
	res      int32
	flags    uint32
}

// Ring is a single-submission io_uring: enough to issue one aligned
// 4 KiB read, write or fsync and wait for its completion.
type Ring struct {
	ringFd int
	params ioUringParams
	sqRaw  []byte
	cqRaw  []byte
}

// NewRing sets up a depth-1 io_uring. It takes no arguments, so the
// call site at the gate reads the same regardless of build tag.
func NewRing() (*Ring, error) {
	params := ioUringParams{sqEntries: 1, cqEntries: 4}

	r1, _, errno := syscall.Syscall(unix.SYS_IO_URING_SETUP, uintptr(1), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("mdio: io_uring_setup: %w", errno)
	}
	ringFd := int(r1)

	sqSize := int(params.sqOff.array) + int(params.sqEntries)*4 + int(params.sqEntries)*64
	cqSize := int(params.cqOff.dropped) + int(params.cqEntries)*16

	sqRaw, err := unix.Mmap(ringFd, 0, sqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Close(ringFd)
		return nil, fmt.Errorf("mdio: mmap sq: %w", err)
	}
	cqRaw, err := unix.Mmap(ringFd, 0x8000000, cqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqRaw)
		unix.Close(ringFd)
		return nil, fmt.Errorf("mdio: mmap cq: %w", err)
	}

	return &Ring{ringFd: ringFd, params: params, sqRaw: sqRaw, cqRaw: cqRaw}, nil
}

// Close releases the ring's kernel resources.
func (r *Ring) Close() error {
	unix.Munmap(r.cqRaw)
	unix.Munmap(r.sqRaw)
	return unix.Close(r.ringFd)
}

// submitOne places one SQE, submits, and blocks until its CQE arrives.
func (r *Ring) submitOne(s sqe64) (int32, error) {
	sqHeadOff := r.params.sqOff.head
	sqTailOff := r.params.sqOff.tail
	sqArrayOff := r.params.sqOff.array
	sqMask := r.params.sqOff.ringMask

	head := (*uint32)(unsafe.Pointer(&r.sqRaw[sqHeadOff]))
	tail := (*uint32)(unsafe.Pointer(&r.sqRaw[sqTailOff]))
	if *tail-*head >= r.params.sqEntries {
		return 0, fmt.Errorf("mdio: submission queue full")
	}

	index := *tail & sqMask
	sqesBase := uintptr(unsafe.Pointer(&r.sqRaw[0])) + uintptr(sqArrayOff) + uintptr(r.params.sqEntries)*4
	sqeSlot := (*sqe64)(unsafe.Pointer(sqesBase + uintptr(index)*64))
	*sqeSlot = s

	array := (*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(&r.sqRaw[0])) + uintptr(sqArrayOff) + uintptr(index)*4))
	*array = uint32(index)

	*tail = *tail + 1

	_, _, errno := syscall.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.ringFd), 1, 1, uintptr(enterGetEvents), 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("mdio: io_uring_enter: %w", errno)
	}

	cqHeadOff := r.params.cqOff.head
	cqTailOff := r.params.cqOff.tail
	cqMask := r.params.cqOff.ringMask
	cqesOff := r.params.cqOff.dropped // the kernel's CQ offsets hold `cqes` at this position

	cqHead := (*uint32)(unsafe.Pointer(&r.cqRaw[cqHeadOff]))
	cqTail := (*uint32)(unsafe.Pointer(&r.cqRaw[cqTailOff]))
	if *cqHead == *cqTail {
		return 0, fmt.Errorf("mdio: no completion available")
	}
	cqIndex := *cqHead & cqMask
	cqe := (*cqe16)(unsafe.Pointer(uintptr(unsafe.Pointer(&r.cqRaw[0])) + uintptr(cqesOff) + uintptr(cqIndex)*16))
	res := cqe.res
	*cqHead = *cqHead + 1

	if res < 0 {
		return res, syscall.Errno(-res)
	}
	return res, nil
}

// ReadAt issues one aligned read through the ring.
func (r *Ring) ReadAt(fd int, buf []byte, off int64) (int, error) {
	n, err := r.submitOne(sqe64{
		opcode: opRead,
		fd:     int32(fd),
		off:    uint64(off),
		addr:   uint64(uintptr(unsafe.Pointer(&buf[0]))),
		len:    uint32(len(buf)),
	})
	return int(n), err
}

// WriteAt issues one aligned write through the ring.
func (r *Ring) WriteAt(fd int, buf []byte, off int64) (int, error) {
	n, err := r.submitOne(sqe64{
		opcode: opWrite,
		fd:     int32(fd),
		off:    uint64(off),
		addr:   uint64(uintptr(unsafe.Pointer(&buf[0]))),
		len:    uint32(len(buf)),
	})
	return int(n), err
}

// Fdatasync issues a data-only fsync (the FUA half of FLUSH|FUA) through
// the ring.
func (r *Ring) Fdatasync(fd int) error {
	_, err := r.submitOne(sqe64{
		opcode:  opFsync,
		fd:      int32(fd),
		opFlags: fsyncDatasync,
	})
	return err
}

// Fsync issues a full cache flush through the ring.
func (r *Ring) Fsync(fd int) error {
	_, err := r.submitOne(sqe64{opcode: opFsync, fd: int32(fd)})
	return err
}
