package ringbuffer

import (
	"testing"
	"time"

	"github.com/Matthue7/q-sensor-engine/internal/model"
)

func reading(v float64) model.Reading {
	return model.Reading{Timestamp: time.Now(), Mode: model.ModeFreerun, Value: v}
}

func TestAppendAndSnapshotOrder(t *testing.T) {
	rb := New(3)
	rb.Append(reading(1))
	rb.Append(reading(2))
	rb.Append(reading(3))

	got := rb.Snapshot()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []float64{1, 2, 3} {
		if got[i].Value != want {
			t.Errorf("snapshot[%d] = %v, want %v", i, got[i].Value, want)
		}
	}
}

func TestEvictsOldestWhenFull(t *testing.T) {
	rb := New(2)
	rb.Append(reading(1))
	rb.Append(reading(2))
	rb.Append(reading(3))

	got := rb.Snapshot()
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Value != 2 || got[1].Value != 3 {
		t.Fatalf("snapshot = %+v, want [2 3]", got)
	}
	if rb.EvictedCount() != 1 {
		t.Fatalf("EvictedCount() = %d, want 1", rb.EvictedCount())
	}
}

func TestClear(t *testing.T) {
	rb := New(4)
	rb.Append(reading(1))
	rb.Append(reading(2))
	rb.Clear()
	if rb.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after Clear", rb.Len())
	}
	if got := rb.Snapshot(); len(got) != 0 {
		t.Fatalf("Snapshot() after Clear = %+v, want empty", got)
	}
}

func TestAppendAfterClearReusesSlots(t *testing.T) {
	rb := New(2)
	rb.Append(reading(1))
	rb.Clear()
	rb.Append(reading(9))
	got := rb.Snapshot()
	if len(got) != 1 || got[0].Value != 9 {
		t.Fatalf("snapshot = %+v, want [9]", got)
	}
}

func TestNewPanicsOnNonPositiveCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for capacity 0")
		}
	}()
	New(0)
}
