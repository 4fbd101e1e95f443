// Package fake is a single-threaded sched.Scheduler test double, used by
// the tests and by the cmd/hvcore-sim demo binary.
package fake

import "github.com/armhv/hvcore/internal/sched"

// Scheduler records calls in place of driving a real run queue.
type Scheduler struct {
	Curr int

	Enqueued      []EnqueueCall
	YieldCalls    int
	IPIs          []IPICall
	TimeSliceResets []int
}

type EnqueueCall struct {
	VCPUIndex int
	CPU       int
}

type IPICall struct {
	CPU  int
	Kind sched.IPIKind
}

// New returns a Scheduler reporting currVCPU as the running task.
func New(currVCPU int) *Scheduler {
	return &Scheduler{Curr: currVCPU}
}

func (s *Scheduler) CurrVCPU() int { return s.Curr }

func (s *Scheduler) EnqueueRemote(vcpuIndex, cpu int) error {
	s.Enqueued = append(s.Enqueued, EnqueueCall{VCPUIndex: vcpuIndex, CPU: cpu})
	return nil
}

func (s *Scheduler) Yield() { s.YieldCalls++ }

func (s *Scheduler) SendIPI(cpu int, kind sched.IPIKind) {
	s.IPIs = append(s.IPIs, IPICall{CPU: cpu, Kind: kind})
}

func (s *Scheduler) TimeSliceReset(vcpuIndex int) {
	s.TimeSliceResets = append(s.TimeSliceResets, vcpuIndex)
}

var _ sched.Scheduler = (*Scheduler)(nil)
