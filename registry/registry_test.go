package registry

import "testing"

type fakeDereg struct {
	unregistered []int
}

func (f *fakeDereg) Unregister(fd int) error {
	f.unregistered = append(f.unregistered, fd)
	return nil
}

func TestInsertAssignsIncreasingIDsFromListenerCount(t *testing.T) {
	r := New(3, 0, nil)
	c1 := r.Recruit()
	id1 := r.Insert(c1, 10, 0, "1.2.3.4", "1.2.3.4:1")
	if id1 != 3 {
		t.Fatalf("first client id = %d, want 3", id1)
	}
	c2 := r.Recruit()
	id2 := r.Insert(c2, 11, 0, "1.2.3.5", "1.2.3.5:2")
	if id2 != 4 {
		t.Fatalf("second client id = %d, want 4", id2)
	}
}

func TestRefByIDReturnsNilForUnknownOrInvalid(t *testing.T) {
	r := New(0, 0, nil)
	if got := r.RefByID(42); got != nil {
		t.Fatalf("expected nil for unknown id, got %v", got)
	}

	c := r.Recruit()
	id := r.Insert(c, 5, 0, "a", "a:1")
	r.Invalidate(c)

	if got := r.RefByID(id); got != nil {
		t.Fatalf("expected nil for invalid id, got %v", got)
	}
}

func TestInvalidateIsIdempotent(t *testing.T) {
	d := &fakeDereg{}
	r := New(0, 0, d)
	c := r.Recruit()
	r.Insert(c, 7, 0, "a", "a:1")
	r.Ref(c) // registration ref

	fd1 := r.Invalidate(c)
	fd2 := r.Invalidate(c)

	if fd1 != 7 {
		t.Fatalf("first invalidate fd = %d, want 7", fd1)
	}
	if fd2 != -1 {
		t.Fatalf("second invalidate fd = %d, want -1 (no-op)", fd2)
	}
	if len(d.unregistered) != 1 {
		t.Fatalf("reactor.Unregister called %d times, want 1", len(d.unregistered))
	}
}

func TestInvalidatedClientAbsentFromTable(t *testing.T) {
	r := New(0, 0, nil)
	c := r.Recruit()
	id := r.Insert(c, 9, 0, "a", "a:1")
	r.Invalidate(c)

	if got := r.RefByID(id); got != nil {
		t.Fatalf("retired client must not be reachable by id")
	}
}

func TestReapClosesOnlyZeroRefRetiredClients(t *testing.T) {
	r := New(0, 0, nil)
	c := r.Recruit()
	r.Insert(c, 3, 0, "a", "a:1")
	r.Ref(c)          // registration ref
	extra := r.RefByID(c.ID())
	if extra == nil {
		t.Fatal("expected to ref the live client")
	}
	r.Invalidate(c) // drops the registration ref, one ref remains (extra)

	var closed []int
	r.Reap(func(fd int) { closed = append(closed, fd) })
	if len(closed) != 0 {
		t.Fatalf("client still referenced should not be reaped, got %v", closed)
	}

	r.Unref(c)
	r.Reap(func(fd int) { closed = append(closed, fd) })
	if len(closed) != 1 || closed[0] != 3 {
		t.Fatalf("client should be reaped once refcount hits zero, got %v", closed)
	}
}

func TestRecycledClientIsZeroed(t *testing.T) {
	r := New(0, 0, nil)
	c := r.Recruit()
	r.Insert(c, 3, 2, "a", "a:1")
	r.Ref(c)
	r.Invalidate(c)
	r.Unref(c)
	r.Reap(func(int) {})

	c2 := r.Recruit()
	if c2 != c {
		t.Fatalf("expected recycled record to be reused")
	}
	if c2.id != -1 || c2.fd != -1 || c2.serverIndex != 0 || c2.invalid {
		t.Fatalf("recycled client not zeroed: %+v", c2)
	}
}

func TestCompositeIDRoundTrip(t *testing.T) {
	parent := ID(7)
	id := Composite(parent, 99)
	if !id.IsComposite() {
		t.Fatal("expected composite id")
	}
	p, sub := id.Split()
	if p != parent || sub != 99 {
		t.Fatalf("split = (%d, %d), want (7, 99)", p, sub)
	}
}

func TestSimpleIDIsNotComposite(t *testing.T) {
	if ID(123).IsComposite() {
		t.Fatal("simple id misclassified as composite")
	}
}

func TestAtCapacity(t *testing.T) {
	r := New(0, 1, nil)
	if r.AtCapacity() {
		t.Fatal("empty registry should not be at capacity")
	}
	c := r.Recruit()
	r.Insert(c, 1, 0, "a", "a:1")
	if !r.AtCapacity() {
		t.Fatal("registry should report at capacity")
	}
}
