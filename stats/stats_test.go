package stats

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/momentics/poolconnector/registry"
	"github.com/momentics/poolconnector/sender"
)

func TestCollectOmitsRuntimeByDefault(t *testing.T) {
	reg := registry.New(0, 0, nil)
	snd := sender.New(reg, nil, time.Millisecond, nil)

	s := Collect(reg, snd, time.Now(), false)
	b, err := s.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["runtime"]; ok {
		t.Fatalf("runtime must be omitted: %s", b)
	}
	for _, key := range []string{"clients", "dead", "sends", "delays"} {
		if _, ok := m[key]; !ok {
			t.Fatalf("missing %q block: %s", key, b)
		}
	}
}

func TestCollectIncludesRuntimeWhenRequested(t *testing.T) {
	reg := registry.New(0, 0, nil)
	snd := sender.New(reg, nil, time.Millisecond, nil)

	s := Collect(reg, snd, time.Now().Add(-90*time.Second), true)
	if s.Runtime == nil {
		t.Fatal("runtime should be set")
	}
	if *s.Runtime < 89 {
		t.Fatalf("runtime too small: %d", *s.Runtime)
	}
}

func TestCollectReflectsRegistryCounts(t *testing.T) {
	reg := registry.New(1, 0, nil)
	snd := sender.New(reg, nil, time.Millisecond, nil)

	c := reg.Recruit()
	reg.Insert(c, 9, 0, "1.2.3.4", "1.2.3.4:1")
	reg.Ref(c)

	s := Collect(reg, snd, time.Now(), false)
	if s.Clients.Count != 1 {
		t.Fatalf("clients.count = %d, want 1", s.Clients.Count)
	}
	if s.Clients.Generated != 1 {
		t.Fatalf("clients.generated = %d, want 1", s.Clients.Generated)
	}

	reg.Invalidate(c) // drops the registration ref taken by reg.Ref above
	reg.Reap(func(int) {})

	s2 := Collect(reg, snd, time.Now(), false)
	if s2.Clients.Count != 0 {
		t.Fatalf("clients.count after invalidate = %d, want 0", s2.Clients.Count)
	}
	if s2.Dead.Generated != 1 {
		t.Fatalf("dead.generated = %d, want 1", s2.Dead.Generated)
	}
}
