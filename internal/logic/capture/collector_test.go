package capture

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func exposures(n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = time.Duration(i+1) * time.Millisecond
	}
	return out
}

func payload(i int) []byte { return []byte(fmt.Sprintf("frame-%d", i)) }

func wantSlots(n int) []Slot {
	out := make([]Slot, n)
	for i := range out {
		out[i] = Slot{Index: i, Data: payload(i), Exposure: time.Duration(i+1) * time.Millisecond}
	}
	return out
}

func TestCollector_OutOfOrderTagged(t *testing.T) {
	c := NewCollector(exposures(5), zerolog.Nop())
	order := []int{2, 0, 4, 1, 3}
	var got []Slot
	for i, idx := range order {
		frames, done := c.OnFrameReady(idx, payload(idx))
		if done != (i == len(order)-1) {
			t.Fatalf("frame %d: done = %v", i, done)
		}
		if done {
			got = frames
		}
	}
	if diff := cmp.Diff(wantSlots(5), got); diff != "" {
		t.Errorf("slots mismatch (-want +got):\n%s", diff)
	}
	if c.Counter() != counterSentinel {
		t.Errorf("counter = %d, want sentinel", c.Counter())
	}
}

func permutations(n int) [][]int {
	var out [][]int
	a := make([]int, n)
	for i := range a {
		a[i] = i
	}
	var gen func(k int)
	gen = func(k int) {
		if k == 1 {
			out = append(out, append([]int(nil), a...))
			return
		}
		for i := 0; i < k; i++ {
			gen(k - 1)
			if k%2 == 0 {
				a[i], a[k-1] = a[k-1], a[i]
			} else {
				a[0], a[k-1] = a[k-1], a[0]
			}
		}
	}
	gen(n)
	return out
}

func TestCollector_EveryPermutationCompletesOnce(t *testing.T) {
	perms := permutations(5)
	if len(perms) != 120 {
		t.Fatalf("got %d permutations", len(perms))
	}
	for _, perm := range perms {
		c := NewCollector(exposures(5), zerolog.Nop())
		completions := 0
		var got []Slot
		for _, idx := range perm {
			if frames, done := c.OnFrameReady(idx, payload(idx)); done {
				completions++
				got = frames
			}
		}
		// Late and repeated frames change nothing.
		for _, idx := range perm {
			if _, done := c.OnFrameReady(idx, payload(idx)); done {
				completions++
			}
		}
		if completions != 1 {
			t.Fatalf("%v: %d completions", perm, completions)
		}
		if diff := cmp.Diff(wantSlots(5), got); diff != "" {
			t.Fatalf("%v: (-want +got):\n%s", perm, diff)
		}
	}
}

func TestCollector_DuplicateIsIgnored(t *testing.T) {
	c := NewCollector(exposures(3), zerolog.Nop())
	c.OnFrameReady(1, payload(1))
	if _, done := c.OnFrameReady(1, []byte("dup")); done {
		t.Fatal("duplicate completed the set")
	}
	if c.Counter() != 1 {
		t.Errorf("counter = %d, want 1", c.Counter())
	}
	c.OnFrameReady(0, payload(0))
	frames, done := c.OnFrameReady(2, payload(2))
	if !done {
		t.Fatal("not done")
	}
	if string(frames[1].Data) != "frame-1" {
		t.Errorf("slot 1 = %q, duplicate overwrote it", frames[1].Data)
	}
}

func TestCollector_UntaggedUsesCounter(t *testing.T) {
	c := NewCollector(exposures(3), zerolog.Nop())
	for i := 0; i < 2; i++ {
		if _, done := c.OnFrameReady(NoIndex, payload(i)); done {
			t.Fatalf("frame %d completed early", i)
		}
	}
	frames, done := c.OnFrameReady(NoIndex, payload(2))
	if !done {
		t.Fatal("not done")
	}
	if diff := cmp.Diff(wantSlots(3), frames); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestCollector_UntaggedFallsBackToLowestFree(t *testing.T) {
	c := NewCollector(exposures(3), zerolog.Nop())
	// Counter is 2 when the untagged frame arrives, and slot 2 is taken.
	c.OnFrameReady(0, payload(0))
	c.OnFrameReady(2, payload(2))
	frames, done := c.OnFrameReady(NoIndex, payload(1))
	if !done {
		t.Fatal("not done")
	}
	if diff := cmp.Diff(wantSlots(3), frames); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestCollector_OutOfRangeIndexTreatedAsUntagged(t *testing.T) {
	c := NewCollector(exposures(2), zerolog.Nop())
	c.OnFrameReady(7, payload(0))
	frames, done := c.OnFrameReady(-3, payload(1))
	if !done {
		t.Fatal("not done")
	}
	if diff := cmp.Diff(wantSlots(2), frames); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestCollector_AbortIgnoresLaterFrames(t *testing.T) {
	c := NewCollector(exposures(2), zerolog.Nop())
	c.OnFrameReady(0, payload(0))
	c.Abort()
	if c.Counter() != counterSentinel || !c.Done() {
		t.Fatalf("after abort: counter=%d done=%v", c.Counter(), c.Done())
	}
	if _, done := c.OnFrameReady(1, payload(1)); done {
		t.Error("aborted collector completed")
	}
}

func TestCollector_SetExposure(t *testing.T) {
	c := NewCollector(exposures(2), zerolog.Nop())
	c.SetExposure(1, 42*time.Millisecond)
	c.SetExposure(5, time.Second) // out of range, ignored
	c.SetExposure(0, 0)           // not reported, ignored
	c.OnFrameReady(0, payload(0))
	frames, _ := c.OnFrameReady(1, payload(1))
	if frames[0].Exposure != time.Millisecond || frames[1].Exposure != 42*time.Millisecond {
		t.Errorf("exposures = %v, %v", frames[0].Exposure, frames[1].Exposure)
	}
}
