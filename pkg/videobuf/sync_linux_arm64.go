//go:build linux && arm64

package videobuf

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	dmaBufIoctlSync = 0x40086200

	dmaBufSyncRead  = 1 << 0
	dmaBufSyncWrite = 2 << 0
	dmaBufSyncRW    = dmaBufSyncRead | dmaBufSyncWrite
	dmaBufSyncStart = 0 << 2
	dmaBufSyncEnd   = 1 << 2
)

type dmaBufSync struct {
	flags uint64
}

// dmaSync brackets a CPU access window so the non-coherent caches see device writes
func dmaSync(fd int) error {
	for _, flags := range []uint64{dmaBufSyncStart | dmaBufSyncRW, dmaBufSyncEnd | dmaBufSyncRW} {
		s := dmaBufSync{flags: flags}
		for {
			_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), dmaBufIoctlSync, uintptr(unsafe.Pointer(&s)))
			if errno == unix.EINTR || errno == unix.EAGAIN {
				continue
			}
			if errno != 0 {
				return errno
			}
			break
		}
	}
	return nil
}
