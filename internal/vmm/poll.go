package vmm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pollBackoffAfter is the iteration count past which PollUntil starts
// yielding the host CPU between spins instead of busy-spinning. Small
// enough that a condition met within a handful of iterations never pays
// the syscall cost, large enough that a genuinely slow completion (e.g. a
// host block read) doesn't pin a physical core at 100%.
const pollBackoffAfter = 64

// pollBackoffDuration is the sleep requested once backoff kicks in.
var pollBackoffDuration = unix.NsecToTimespec(50_000)

// PollUntil repeatedly calls cond up to maxIterations times, returning nil
// as soon as cond reports true. If cond never returns true, it returns a
// Timeout-kind error (design note "spin-loops as poll-until-done": every
// bounded spin-wait in this core is expressed as a call to this helper
// rather than a bare for-loop, so the failure mode is a typed error
// instead of a silent hang). Past pollBackoffAfter iterations it yields
// the host CPU with unix.Nanosleep between checks rather than spinning a
// physical core for the whole budget.
func PollUntil(op string, maxIterations int, cond func() bool) error {
	for i := 0; i < maxIterations; i++ {
		if cond() {
			return nil
		}
		if i >= pollBackoffAfter {
			rem := pollBackoffDuration
			for {
				if err := unix.Nanosleep(&rem, &rem); err != unix.EINTR {
					break
				}
			}
		}
	}
	return NewError(op, KindTimeout, fmt.Errorf("condition not met after %d iterations", maxIterations))
}
