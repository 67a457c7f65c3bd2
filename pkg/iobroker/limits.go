//go:build unix

package iobroker

import "golang.org/x/sys/unix"

// MaxUsableFDs returns the maximum number of file descriptors this
// process can have open at once, per RLIMIT_NOFILE.
func MaxUsableFDs() int {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 1024
	}
	if rlim.Cur == 0 || rlim.Cur > 1<<20 {
		return 1024
	}
	return int(rlim.Cur)
}
