package state

import (
	"errors"
	"sync"
	"testing"

	"icce.ai/internal/protocol"
)

func ticksAt(n int, v float32) []SlotTick {
	out := make([]SlotTick, n)
	for i := range out {
		out[i] = SlotTick{Observation: []float32{v, v}, Reward: float64(v)}
	}
	return out
}

func TestNew_StartsWaiting(t *testing.T) {
	tb := New([]protocol.AgentSlot{0, 1})
	st, ep := tb.Status()
	if st != protocol.StatusWait || ep != 0 {
		t.Fatalf("initial status=(%s,%d) want (WAIT,0)", st, ep)
	}
}

func TestPublish_StatusVisibleWithTickData(t *testing.T) {
	tb := New([]protocol.AgentSlot{7, 9})
	ticks := ticksAt(2, 5)
	ticks[0].Terminated = true
	if err := tb.Publish(ticks, protocol.StatusDone); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Status is global: the slot that did not terminate sees DONE as well.
	snap, err := tb.Sample(9)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if snap.Status != protocol.StatusDone {
		t.Fatalf("status=%s want DONE", snap.Status)
	}
	if snap.Terminated {
		t.Fatalf("slot 9 should not be terminated")
	}
	if snap.Observation[0] != 5 || snap.Tick != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestPublish_RejectsPartialTick(t *testing.T) {
	tb := New([]protocol.AgentSlot{0, 1})
	if err := tb.Publish(ticksAt(1, 1), protocol.StatusSuccess); !errors.Is(err, ErrSlotCount) {
		t.Fatalf("err=%v want ErrSlotCount", err)
	}
	if tb.Tick() != 0 {
		t.Fatalf("partial publish advanced tick to %d", tb.Tick())
	}
}

func TestSample_ReturnsPrivateCopy(t *testing.T) {
	tb := New([]protocol.AgentSlot{0})
	src := []SlotTick{{Observation: []float32{1}, Info: map[string]any{"k": 1}}}
	_ = tb.Publish(src, protocol.StatusSuccess)
	src[0].Observation[0] = 99

	snap, _ := tb.Sample(0)
	if snap.Observation[0] != 1 {
		t.Fatalf("publish did not copy observation")
	}
	snap.Observation[0] = 42
	snap.Info["k"] = 2

	again, _ := tb.Sample(0)
	if again.Observation[0] != 1 || again.Info["k"] != 1 {
		t.Fatalf("sample leaked table memory: %+v", again)
	}
}

func TestSample_UnknownSlot(t *testing.T) {
	tb := New([]protocol.AgentSlot{0})
	if _, err := tb.Sample(4); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("err=%v want ErrUnknownSlot", err)
	}
	if err := tb.SetAction(4, nil); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("SetAction err=%v want ErrUnknownSlot", err)
	}
}

func TestRollover_IncrementsEpisodeByOne(t *testing.T) {
	tb := New([]protocol.AgentSlot{0})
	_ = tb.Publish(ticksAt(1, 0), protocol.StatusDone)

	var last uint64
	for i := 1; i <= 3; i++ {
		ep, err := tb.Rollover(ticksAt(1, float32(i)))
		if err != nil {
			t.Fatalf("Rollover: %v", err)
		}
		if ep != last+1 {
			t.Fatalf("episode=%d want %d", ep, last+1)
		}
		last = ep
		st, got := tb.Status()
		if st != protocol.StatusSuccess || got != ep {
			t.Fatalf("after rollover status=(%s,%d)", st, got)
		}
	}
}

func TestActions_TakeReturnsLatestOncePerSet(t *testing.T) {
	tb := New([]protocol.AgentSlot{3, 4})
	_ = tb.SetAction(4, []float32{1, 1})
	_ = tb.SetAction(4, []float32{2, 2})
	_ = tb.SetAction(3, []float32{9})

	acts := tb.TakeActions()
	if len(acts) != 2 {
		t.Fatalf("actions=%v", acts)
	}
	if acts[0].Slot != 3 || acts[1].Slot != 4 {
		t.Fatalf("actions not in slot order: %v", acts)
	}
	if acts[1].Values[0] != 2 {
		t.Fatalf("latest action should win: %v", acts[1].Values)
	}
	if again := tb.TakeActions(); len(again) != 0 {
		t.Fatalf("actions taken twice: %v", again)
	}

	_ = tb.SetAction(3, []float32{5})
	_ = tb.SetAction(4, []float32{6, 6})
	tb.ClearAction(3)
	tb.ClearAction(42)
	if got := tb.TakeActions(); len(got) != 1 || got[0].Slot != 4 {
		t.Fatalf("after ClearAction(3) got %v", got)
	}

	_ = tb.SetAction(3, []float32{5})
	tb.ClearActions()
	if got := tb.TakeActions(); len(got) != 0 {
		t.Fatalf("ClearActions left %v", got)
	}
}

// A reader running concurrently with bulk writes only ever sees whole ticks:
// every slot's observation equals the publish sequence number it came from.
func TestSampleAll_NeverMixesTicks(t *testing.T) {
	slots := []protocol.AgentSlot{0, 1, 2, 3}
	tb := New(slots)

	const publishes = 2000
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 1; i <= publishes; i++ {
			_ = tb.Publish(ticksAt(len(slots), float32(i)), protocol.StatusSuccess)
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(slot protocol.AgentSlot) {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				all, tick := tb.SampleAll()
				for i, tk := range all {
					if tick > 0 && tk.Observation[0] != float32(tick) {
						t.Errorf("slot %d has tick %v data in publish %d", i, tk.Observation[0], tick)
						return
					}
				}
				snap, err := tb.Sample(slot)
				if err != nil {
					t.Errorf("Sample: %v", err)
					return
				}
				if snap.Tick > 0 && snap.Observation[0] != float32(snap.Tick) {
					t.Errorf("slot %d snapshot tick=%d data=%v", slot, snap.Tick, snap.Observation[0])
					return
				}
			}
		}(slots[r])
	}
	wg.Wait()
}
