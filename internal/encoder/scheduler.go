package encoder

import "sync"

// Notify bits
const (
	notifyFrameEnqueue uint32 = 1 << iota
	notifyPacketEnqueue
	notifyControl
)

// command is one synchronous control request in the scheduler's slot
type command struct {
	cmd   Cmd
	param any
	done  chan error
}

// scheduler lets the worker sleep until an event it is waiting for arrives.
// Every field is guarded by mu.
type scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	notifyFlag uint32
	statusFlag uint32 // wait mask the worker last slept on

	resetFlag bool
	resetDone chan struct{}

	pending *command
	stopped bool

	waitCount uint64
	workCount uint64
	cmdSend   uint64
	cmdRecv   uint64
}

func newScheduler() *scheduler {
	s := &scheduler{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// checkTaskWait decides whether the worker should run. It works when a reset
// or control request is pending, when the task waits on nothing, or when a
// notification matches what the task waits on.
func checkTaskWait(curr, notify uint32, reset bool) bool {
	return reset || notify&notifyControl != 0 || curr == 0 || curr&notify != 0
}

// notify records event bits and wakes the worker if it is waiting on them.
// Control always wakes it.
func (s *scheduler) notify(flag uint32) {
	s.mu.Lock()
	s.notifyFlag |= flag
	if flag&notifyControl != 0 || s.statusFlag&flag != 0 {
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// check runs one scheduling decision under mu. The notify word is consumed
// whatever the outcome.
func (s *scheduler) check(curr uint32) bool {
	notify := s.notifyFlag
	if s.pending != nil {
		notify |= notifyControl
	}
	work := checkTaskWait(curr, notify, s.resetFlag)
	s.statusFlag = curr
	s.notifyFlag = 0
	return work
}

// waitForWork blocks until the worker has something to do. It returns false
// once the scheduler is stopped.
func (s *scheduler) waitForWork(curr uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.stopped {
		if s.check(curr) {
			s.workCount++
			return true
		}
		s.waitCount++
		s.cond.Wait()
	}
	return false
}

// postCommand places c in the request slot. The caller serialises commands.
func (s *scheduler) postCommand(c *command) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.pending = c
	s.cmdSend++
	s.mu.Unlock()
	s.notify(notifyControl)
	return true
}

// takeCommand removes the pending request, if any
func (s *scheduler) takeCommand() *command {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.pending
	if c != nil {
		s.pending = nil
		s.cmdRecv++
	}
	return c
}

// postReset raises the reset flag; done is closed by the worker
func (s *scheduler) postReset(done chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.resetFlag = true
	s.resetDone = done
	s.cond.Signal()
	return true
}

// takeReset clears a pending reset along with the recorded wait mask and
// returns the completion channel
func (s *scheduler) takeReset() (chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.resetFlag {
		return nil, false
	}
	done := s.resetDone
	s.resetFlag = false
	s.resetDone = nil
	s.statusFlag = 0
	return done, true
}

// stop wakes the worker for good and fails any request still in the slots
func (s *scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.pending != nil {
		s.pending.done <- ErrStopped
		s.pending = nil
	}
	s.resetDone = nil
	s.resetFlag = false
	s.cond.Broadcast()
}

func (s *scheduler) counters() (wait, work, sent, recv uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitCount, s.workCount, s.cmdSend, s.cmdRecv
}
