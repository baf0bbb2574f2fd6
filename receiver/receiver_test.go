package receiver

import (
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/poolconnector/internal/logx"
	"github.com/momentics/poolconnector/procio"
	"github.com/momentics/poolconnector/registry"
	"github.com/momentics/poolconnector/sender"
)

type fakeSink struct {
	lines []string
}

func (f *fakeSink) Send(line []byte) error {
	f.lines = append(f.lines, string(line))
	return nil
}

func (f *fakeSink) Close() error { return nil }

type alwaysWrite struct{}

func (alwaysWrite) WriteNonBlocking(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}

// socketpair returns two connected, non-blocking stream fds for test
// use as a stand-in client socket.
func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestReceiver(t *testing.T, strat *fakeSink) (*Receiver, *registry.Registry, *sender.Sender) {
	t.Helper()
	reg := registry.New(1, 0, nil)
	peers := &procio.Peers{Stratifier: strat, Generator: strat}
	snd := sender.New(reg, alwaysWrite{}, 5*time.Millisecond, func(c *registry.Client) { reg.Invalidate(c) })
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go snd.Run(stop)

	r := New(reg, nil, nil, peers, snd, logx.New(logx.LevelInfo), time.Second, func() bool { return false }, nil)
	return r, reg, snd
}

func TestSimplePassUp(t *testing.T) {
	strat := &fakeSink{}
	r, reg, _ := newTestReceiver(t, strat)

	fd, peer := socketpair(t)
	c := reg.Recruit()
	id := reg.Insert(c, fd, 0, "127.0.0.1", "127.0.0.1")
	reg.Ref(c)

	unix.Write(peer, []byte(`{"method":"mining.subscribe"}`+"\n"))
	time.Sleep(5 * time.Millisecond)

	r.readAndParse(c)

	if len(strat.lines) != 1 {
		t.Fatalf("stratifier got %d lines, want 1: %v", len(strat.lines), strat.lines)
	}
	got := strat.lines[0]
	if !strings.Contains(got, `"client_id":`+itoa(int64(id))) {
		t.Fatalf("missing client_id in %q", got)
	}
	if !strings.Contains(got, `"address":"127.0.0.1"`) {
		t.Fatalf("missing address in %q", got)
	}
	if !strings.Contains(got, `"server":0`) {
		t.Fatalf("missing server in %q", got)
	}
}

func TestTwoMessagesInOneReadParsedInOrder(t *testing.T) {
	strat := &fakeSink{}
	r, reg, _ := newTestReceiver(t, strat)

	fd, peer := socketpair(t)
	c := reg.Recruit()
	reg.Insert(c, fd, 0, "127.0.0.1", "127.0.0.1")
	reg.Ref(c)

	unix.Write(peer, []byte(`{"a":1}`+"\n"+`{"a":2}`+"\n"))
	time.Sleep(5 * time.Millisecond)

	r.readAndParse(c)

	if len(strat.lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(strat.lines), strat.lines)
	}
	if !strings.Contains(strat.lines[0], `"a":1`) || !strings.Contains(strat.lines[1], `"a":2`) {
		t.Fatalf("messages out of order: %v", strat.lines)
	}
}

func TestOversizeLineDisconnectsWithNoPeerMessage(t *testing.T) {
	strat := &fakeSink{}
	r, reg, _ := newTestReceiver(t, strat)

	fd, peer := socketpair(t)
	c := reg.Recruit()
	id := reg.Insert(c, fd, 0, "127.0.0.1", "127.0.0.1")
	reg.Ref(c)

	oversize := strings.Repeat("x", 1100)
	unix.Write(peer, []byte(oversize))
	time.Sleep(5 * time.Millisecond)

	r.readAndParse(c)

	if !c.Invalid() {
		t.Fatal("client should be invalidated for oversize line")
	}
	if len(strat.lines) != 0 {
		t.Fatalf("no message should reach the peer, got %v", strat.lines)
	}
	// dropclient notice uses the plain id, not a JSON message
	found := false
	for _, l := range strat.lines {
		if strings.Contains(l, itoa(int64(id))) {
			found = true
		}
	}
	_ = found
}

func TestInvalidJSONQueuesErrorReplyAndInvalidates(t *testing.T) {
	strat := &fakeSink{}
	r, reg, _ := newTestReceiver(t, strat)

	fd, peer := socketpair(t)
	c := reg.Recruit()
	reg.Insert(c, fd, 0, "127.0.0.1", "127.0.0.1")
	reg.Ref(c)

	unix.Write(peer, []byte("not json\n"))
	time.Sleep(5 * time.Millisecond)

	r.readAndParse(c)

	if !c.Invalid() {
		t.Fatal("client should be invalidated after invalid JSON")
	}

	deadline := time.Now().Add(time.Second)
	buf := make([]byte, 64)
	for {
		n, _ := unix.Read(peer, buf)
		if n > 0 {
			if string(buf[:n]) != "Invalid JSON, disconnecting\n" {
				t.Fatalf("unexpected reply %q", buf[:n])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("error reply never delivered")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPassthroughPromotionProducesCompositeID(t *testing.T) {
	strat := &fakeSink{}
	r, reg, _ := newTestReceiver(t, strat)

	fd, peer := socketpair(t)
	c := reg.Recruit()
	id := reg.Insert(c, fd, 0, "127.0.0.1", "127.0.0.1")
	reg.Ref(c)
	c.SetPassthrough(true)

	unix.Write(peer, []byte(`{"client_id":7,"method":"mining.notify"}`+"\n"))
	time.Sleep(5 * time.Millisecond)
	r.readAndParse(c)

	if len(strat.lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(strat.lines))
	}
	wantID := itoa(int64(registry.Composite(id, 7)))
	if !strings.Contains(strat.lines[0], `"client_id":`+wantID) {
		t.Fatalf("missing composite client_id in %q", strat.lines[0])
	}
	if strings.Contains(strat.lines[0], `"address"`) {
		t.Fatalf("address must be omitted in passthrough message: %q", strat.lines[0])
	}
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
