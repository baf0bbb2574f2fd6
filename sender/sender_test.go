package sender

import (
	"sync"
	"testing"
	"time"

	"github.com/momentics/poolconnector/registry"
)

// fakeWriter lets each test script exactly how many bytes a fd accepts
// per call, to exercise partial writes and would-block without a real
// socket.
type fakeWriter struct {
	mu      sync.Mutex
	scripts map[int][]writeResult
}

type writeResult struct {
	n   int
	err error
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{scripts: make(map[int][]writeResult)}
}

func (f *fakeWriter) program(fd int, results ...writeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[fd] = append(f.scripts[fd], results...)
}

func (f *fakeWriter) WriteNonBlocking(fd int, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs := f.scripts[fd]
	if len(rs) == 0 {
		return len(buf), nil // default: write everything
	}
	r := rs[0]
	f.scripts[fd] = rs[1:]
	if r.n > len(buf) {
		r.n = len(buf)
	}
	return r.n, r.err
}

func newTestClient(reg *registry.Registry, fd int) *registry.Client {
	c := reg.Recruit()
	reg.Insert(c, fd, 0, "1.2.3.4", "1.2.3.4:1")
	reg.Ref(c) // simulate the registration ref
	return c
}

func TestSenderDeliversFullBufferOnSingleWrite(t *testing.T) {
	reg := registry.New(0, 0, nil)
	w := newFakeWriter()
	s := New(reg, w, 10*time.Millisecond, nil)

	c := newTestClient(reg, 11)
	reg.RefByID(c.ID()) // the job's own ref
	job := &Job{Client: c, Buf: []byte("hello\n")}
	s.Enqueue(job)

	stop := make(chan struct{})
	go s.Run(stop)
	defer close(stop)

	deadline := time.Now().Add(time.Second)
	for job.ofs < len(job.Buf) {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for job to complete")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSenderHandlesPartialWritesInOrder(t *testing.T) {
	reg := registry.New(0, 0, nil)
	w := newFakeWriter()
	w.program(21, writeResult{n: 3}, writeResult{n: 3})
	s := New(reg, w, 5*time.Millisecond, nil)

	c := newTestClient(reg, 21)
	reg.RefByID(c.ID())
	job := &Job{Client: c, Buf: []byte("abcdef")}
	s.Enqueue(job)

	stop := make(chan struct{})
	go s.Run(stop)
	defer close(stop)

	deadline := time.Now().Add(time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("timed out")
		}
		if job.ofs == len(job.Buf) {
			break
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSenderInvalidatesClientOnZeroLengthWrite(t *testing.T) {
	reg := registry.New(0, 0, nil)
	w := newFakeWriter()
	w.program(31, writeResult{n: 0, err: nil}) // zero-length, non-would-block write => dead

	var deadCalled int
	var mu sync.Mutex
	s := New(reg, w, 5*time.Millisecond, func(c *registry.Client) {
		mu.Lock()
		deadCalled++
		mu.Unlock()
		reg.Invalidate(c)
	})

	c := newTestClient(reg, 31)
	reg.RefByID(c.ID())
	job := &Job{Client: c, Buf: []byte("x")}
	s.Enqueue(job)

	stop := make(chan struct{})
	go s.Run(stop)
	defer close(stop)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		called := deadCalled
		mu.Unlock()
		if called == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("onClientDead was never called")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSenderDropsJobWhenClientAlreadyInvalid(t *testing.T) {
	reg := registry.New(0, 0, nil)
	w := newFakeWriter()
	s := New(reg, w, 5*time.Millisecond, nil)

	c := newTestClient(reg, 41)
	reg.RefByID(c.ID()) // the job's own ref
	reg.Invalidate(c) // job's ref was taken before invalidation; client is now invalid
	job := &Job{Client: c, Buf: []byte("never written")}

	finished := s.step(job)
	if !finished {
		t.Fatal("job referencing an invalid client should finish immediately")
	}
}
