// File: sender/sender.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Sender is the connector's single outbound-write goroutine: it owns an
// intake queue fed by producers (the control loop, and the receiver's
// own error-reply path), drains it into a working list, and performs
// non-blocking writes without ever letting one slow client hold up
// another's queued job.
//
// A buffered wake channel plus select/time.After stands in for a
// condition variable with a timeout, since sync.Cond cannot time out
// directly.

package sender

import (
	"errors"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/poolconnector/registry"
)

// Job is one queued outbound write: a buffer, a residual offset, and
// the client reference that keeps the fd open until the job finishes.
type Job struct {
	Client *registry.Client
	Buf    []byte
	ofs    int
}

// Writer is the narrow non-blocking-write contract the sender depends
// on; fakeable in tests without a real socket.
type Writer interface {
	// WriteNonBlocking attempts to write buf to fd, returning the number
	// of bytes written. A benign would-block is reported as (0, ErrWouldBlock).
	WriteNonBlocking(fd int, buf []byte) (int, error)
}

// Counters tracks the "sends" and "delays" stats blocks. SendsGenerated
// and DelaysGenerated are cumulative, incremented but never decremented.
// DelayedCount/DelayedSize are a snapshot of the working list taken at
// the end of the most recently completed write round.
type Counters struct {
	mu              sync.Mutex
	SendsGenerated  int64
	DelayedCount    int64
	DelayedSize     int64
	DelaysGenerated int64
}

// Sends reports the "sends" stats block: count/memory reflect the
// intake list's current depth (jobs queued but not yet picked up by a
// write round), generated is the cumulative number of jobs ever
// enqueued.
func (s *Sender) Sends() (count, memory, generated int64) {
	count, memory = s.intakeSnapshot()
	s.counters.mu.Lock()
	generated = s.counters.SendsGenerated
	s.counters.mu.Unlock()
	return
}

// Delays reports the "delays" stats block: count/memory are the
// working list's depth/size as of the last completed write round,
// generated is the cumulative sum of those per-round depths.
func (s *Sender) Delays() (count, memory, generated int64) {
	s.counters.mu.Lock()
	defer s.counters.mu.Unlock()
	return s.counters.DelayedCount, s.counters.DelayedSize, s.counters.DelaysGenerated
}

// intakeSnapshot walks the intake list without removing anything,
// reporting its current depth and the bytes still unwritten across it.
func (s *Sender) intakeSnapshot() (count, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.intake.Length()
	count = int64(n)
	for i := 0; i < n; i++ {
		job := s.intake.Get(i).(*Job)
		size += int64(len(job.Buf) - job.ofs)
	}
	return
}

// ErrWouldBlock is a benign, non-fatal write result.
var ErrWouldBlock = errors.New("sender: write would block")

// Sender owns the intake list and drives the non-blocking write loop.
type Sender struct {
	reg *registry.Registry
	w   Writer

	mu     sync.Mutex
	intake *queue.Queue
	wake   chan struct{}

	pollTimeout time.Duration
	counters    Counters

	onClientDead func(c *registry.Client) // invalidate + notify peer hook
}

// New builds a Sender. onClientDead is invoked (invalidate + peer
// notification) whenever a write fails for a reason other than
// would-block.
func New(reg *registry.Registry, w Writer, pollTimeout time.Duration, onClientDead func(*registry.Client)) *Sender {
	return &Sender{
		reg:          reg,
		w:            w,
		intake:       queue.New(),
		wake:         make(chan struct{}, 1),
		pollTimeout:  pollTimeout,
		onClientDead: onClientDead,
	}
}

// Enqueue appends a fresh job to the intake list and wakes the sender
// loop. The caller must have already taken a client reference for job.
func (s *Sender) Enqueue(job *Job) {
	s.mu.Lock()
	s.intake.Add(job)
	s.mu.Unlock()

	s.counters.mu.Lock()
	s.counters.SendsGenerated++
	s.counters.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the sender loop until stop is closed.
func (s *Sender) Run(stop <-chan struct{}) {
	working := queue.New()
	for {
		select {
		case <-stop:
			return
		default:
		}

		s.drainOneRound(working)

		s.mu.Lock()
		empty := s.intake.Length() == 0
		s.mu.Unlock()

		if empty && working.Length() == 0 {
			select {
			case <-stop:
				return
			case <-s.wake:
			case <-time.After(s.pollTimeout):
			}
		}

		s.mu.Lock()
		for s.intake.Length() > 0 {
			working.Add(s.intake.Remove())
		}
		s.mu.Unlock()
	}
}

// drainOneRound attempts one non-blocking write per job in working,
// in FIFO order, removing jobs that finished or whose client died, then
// snapshots what's left for the "delays" stats block.
func (s *Sender) drainOneRound(working *queue.Queue) {
	n := working.Length()
	for i := 0; i < n; i++ {
		job := working.Remove().(*Job)
		if s.step(job) {
			continue // finished (success or client dead): drop the job
		}
		working.Add(job) // still has bytes left; stays queued, FIFO-preserved
	}
	s.recordDelaySnapshot(working)
}

// recordDelaySnapshot walks working without removing anything and
// records its depth/size as the current "delays" count/memory,
// folding the depth into the cumulative generated total.
func (s *Sender) recordDelaySnapshot(working *queue.Queue) {
	n := working.Length()
	var size int64
	for i := 0; i < n; i++ {
		job := working.Get(i).(*Job)
		size += int64(len(job.Buf) - job.ofs)
	}

	s.counters.mu.Lock()
	s.counters.DelayedCount = int64(n)
	s.counters.DelayedSize = size
	s.counters.DelaysGenerated += int64(n)
	s.counters.mu.Unlock()
}

// step attempts one write for job. Returns true if the job is finished
// (fully written, or abandoned because the client died) and should be
// removed from the working queue.
func (s *Sender) step(job *Job) bool {
	if job.Client.Invalid() {
		s.finish(job)
		return true
	}

	remaining := job.Buf[job.ofs:]
	if len(remaining) == 0 {
		s.finish(job)
		return true
	}

	n, err := s.w.WriteNonBlocking(job.Client.Fd(), remaining)
	if err != nil && errors.Is(err, ErrWouldBlock) {
		return false
	}
	if err != nil || n == 0 {
		// hard error, or a zero-length write with no error: the client
		// is gone either way.
		if s.onClientDead != nil {
			s.onClientDead(job.Client)
		}
		s.finish(job)
		return true
	}

	job.ofs += n
	if job.ofs >= len(job.Buf) {
		s.finish(job)
		return true
	}
	// Partial write: leave queued, advances next round. Other clients'
	// jobs are unaffected since each job is written independently.
	return false
}

// finish drops the job's client reference; the buffer is not pooled
// back, since it was a one-shot heap slice.
func (s *Sender) finish(job *Job) {
	s.reg.Unref(job.Client)
}
