// Package cpuset pins demo driver threads to dedicated cores, keeping
// publish-to-read latency measurements free of scheduler noise.
package cpuset

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Pin locks the calling goroutine to its OS thread and binds that thread to
// the given core. The goroutine stays locked; call it from the goroutine
// that runs the hot loop.
func Pin(core int) error {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("failed to pin thread to core %d: %w", core, err)
	}
	return nil
}
