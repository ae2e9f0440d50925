//go:build linux

package osmem

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// linuxBackend implements Backend on top of mmap(2), mprotect(2),
// madvise(2) and mincore(2).
type linuxBackend struct {
	pageSize uint64
}

// NewSystemBackend returns the Backend for the running platform.
func NewSystemBackend() Backend {
	return &linuxBackend{pageSize: uint64(unix.Getpagesize())}
}

func (b *linuxBackend) PageSize() uint64 { return b.pageSize }

func (b *linuxBackend) Reserve(size uint64) (uint64, error) {
	p, err := unix.MmapPtr(-1, 0, nil, uintptr(size),
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return 0, errors.Wrapf(err, "mmap reserve of %d bytes", size)
	}
	return uint64(uintptr(p)), nil
}

func (b *linuxBackend) Commit(addr, size uint64, executable bool) error {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if executable {
		prot |= unix.PROT_EXEC
	}
	if err := unix.Mprotect(rangeBytes(addr, size), prot); err != nil {
		return errors.Wrapf(err, "mprotect commit [%#x, %#x)", addr, addr+size)
	}
	return nil
}

func (b *linuxBackend) Uncommit(addr, size uint64) error {
	buf := rangeBytes(addr, size)
	if err := unix.Madvise(buf, unix.MADV_DONTNEED); err != nil {
		return errors.Wrapf(err, "madvise uncommit [%#x, %#x)", addr, addr+size)
	}
	if err := unix.Mprotect(buf, unix.PROT_NONE); err != nil {
		return errors.Wrapf(err, "mprotect uncommit [%#x, %#x)", addr, addr+size)
	}
	return nil
}

func (b *linuxBackend) Release(addr, size uint64) error {
	if err := unix.MunmapPtr(unsafe.Pointer(uintptr(addr)), uintptr(size)); err != nil {
		return errors.Wrapf(err, "munmap [%#x, %#x)", addr, addr+size)
	}
	return nil
}

func (b *linuxBackend) Disclaim(addr, size uint64) error {
	if err := unix.Madvise(rangeBytes(addr, size), unix.MADV_DONTNEED); err != nil {
		return errors.Wrapf(err, "madvise disclaim [%#x, %#x)", addr, addr+size)
	}
	return nil
}

func (b *linuxBackend) QueryResidency(addr uint64, pages int, bitmap []byte) error {
	if pages == 0 {
		return nil
	}
	// x/sys/unix carries no mincore wrapper on linux; drive the syscall
	// directly.
	_, _, errno := unix.Syscall(unix.SYS_MINCORE,
		uintptr(addr), uintptr(uint64(pages)*b.pageSize), uintptr(unsafe.Pointer(&bitmap[0])))
	if errno != 0 {
		return errors.Wrapf(errno, "mincore [%#x, +%d pages)", addr, pages)
	}
	return nil
}

func (b *linuxBackend) CurrentThreadStackBounds() (uint64, uint64, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return 0, 0, errors.Wrap(err, "open maps")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasSuffix(line, "[stack]") {
			continue
		}
		span, _, _ := strings.Cut(line, " ")
		lowStr, highStr, ok := strings.Cut(span, "-")
		if !ok {
			break
		}
		low, err1 := strconv.ParseUint(lowStr, 16, 64)
		high, err2 := strconv.ParseUint(highStr, 16, 64)
		if err1 != nil || err2 != nil || high <= low {
			break
		}
		return low, high - low, nil
	}
	if err := sc.Err(); err != nil {
		return 0, 0, errors.Wrap(err, "scan maps")
	}
	return 0, 0, errors.New("no stack mapping found")
}

// rangeBytes reinterprets a raw address range as a byte slice for the
// slice-based wrappers in x/sys/unix. The range must be mapped.
func rangeBytes(addr, size uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
}
