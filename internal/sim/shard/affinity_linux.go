//go:build linux

package shard

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinToCores locks the calling goroutine to its OS thread and restricts that
// thread to the given CPU set. The returned func undoes the thread lock.
func pinToCores(cores []int) (func(), error) {
	if len(cores) == 0 {
		return func() {}, nil
	}
	runtime.LockOSThread()
	var set unix.CPUSet
	for _, c := range cores {
		set.Set(c)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return func() {}, err
	}
	return runtime.UnlockOSThread, nil
}
