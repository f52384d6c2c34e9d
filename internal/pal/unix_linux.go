//go:build linux

package pal

import (
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Unix is the production PAL backend: raw mmap/mprotect/madvise via
// golang.org/x/sys/unix, grounded on cznic-memory's mmap_unix.go idiom
// of wrapping the syscalls directly rather than going through the Go
// heap. Reservations are anonymous, unbacked (PROT_NONE) mappings;
// NotifyUsing flips the sub-range to PROT_READ|PROT_WRITE.
type Unix struct {
	log *zap.Logger
}

// NewUnix constructs a Unix PAL. log may be nil, in which case a no-op
// logger is used.
func NewUnix(log *zap.Logger) *Unix {
	if log == nil {
		log = zap.NewNop()
	}
	return &Unix{log: log}
}

func (u *Unix) Capabilities() Capability {
	// mmap(MAP_ANON) has no portable alignment request, so
	// ReserveAligned always over-reserves and trims itself; CapTimers is
	// supported via a goroutine-backed ticker.
	return CapTimers
}

func mmapAnon(size uintptr, prot int) (unsafe.Pointer, error) {
	b, err := unix.Mmap(-1, 0, int(size), prot, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pal: mmap %d bytes: %w", size, err)
	}
	return unsafe.Pointer(&b[0]), nil
}

// ReserveAligned over-reserves 2*size and trims the unaligned head and
// tail, the standard approach when the platform offers no aligned mmap
// (spec §6's "if unsupported by the platform, the caller ... reserves
// 2x and trims"; mirrors the teacher's sysReserve/sysAlloc split in
// mheap.go, generalized to Go's munmap-for-trim capability that the
// runtime itself cannot use against its own reservations).
func (u *Unix) ReserveAligned(size uintptr, committed bool) (unsafe.Pointer, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("pal: ReserveAligned size %d not a power of two", size)
	}
	prot := unix.PROT_NONE
	if committed {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}

	big := 2 * size
	base, err := mmapAnon(big, unix.PROT_NONE)
	if err != nil {
		return nil, err
	}
	addr := uintptr(base)
	aligned := (addr + size - 1) &^ (size - 1)

	if head := aligned - addr; head > 0 {
		if err := unix.Munmap(unsafe.Slice((*byte)(base), head)); err != nil {
			u.log.Warn("pal: trim head munmap failed", zap.Error(err))
		}
	}
	tailStart := aligned + size
	if tail := (addr + big) - tailStart; tail > 0 {
		if err := unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(tailStart)), tail)); err != nil {
			u.log.Warn("pal: trim tail munmap failed", zap.Error(err))
		}
	}

	if committed {
		if err := unix.Mprotect(unsafe.Slice((*byte)(unsafe.Pointer(aligned)), size), prot); err != nil {
			return nil, fmt.Errorf("pal: mprotect commit: %w", err)
		}
	}
	return unsafe.Pointer(aligned), nil
}

func (u *Unix) ReserveAtLeast(size uintptr) (unsafe.Pointer, uintptr, error) {
	base, err := mmapAnon(size, unix.PROT_NONE)
	if err != nil {
		return nil, 0, err
	}
	return base, size, nil
}

func (u *Unix) Unreserve(base unsafe.Pointer, size uintptr) error {
	if err := unix.Munmap(unsafe.Slice((*byte)(base), size)); err != nil {
		return fmt.Errorf("pal: munmap: %w", err)
	}
	return nil
}

func (u *Unix) NotifyUsing(base unsafe.Pointer, size uintptr) error {
	if err := unix.Mprotect(unsafe.Slice((*byte)(base), size), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("pal: mprotect commit: %w", err)
	}
	// MADV_WILLNEED hints the kernel to fault pages in eagerly rather
	// than one at a time on first touch.
	_ = unix.Madvise(unsafe.Slice((*byte)(base), size), unix.MADV_WILLNEED)
	return nil
}

func (u *Unix) NotifyNotUsing(base unsafe.Pointer, size uintptr) error {
	if err := unix.Madvise(unsafe.Slice((*byte)(base), size), unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("pal: madvise dontneed: %w", err)
	}
	if err := unix.Mprotect(unsafe.Slice((*byte)(base), size), unix.PROT_NONE); err != nil {
		return fmt.Errorf("pal: mprotect decommit: %w", err)
	}
	return nil
}

func (u *Unix) Zero(base unsafe.Pointer, size uintptr) {
	b := unsafe.Slice((*byte)(base), size)
	for i := range b {
		b[i] = 0
	}
}

func (u *Unix) Error(msg string) {
	u.log.Fatal("coreheap: fatal allocator error", zap.String("reason", msg))
}

func (u *Unix) RegisterTimer(period time.Duration, callback func()) (cancel func()) {
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				callback()
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

func (u *Unix) Pause() {
	runtime.Gosched()
}
