package moduleapi

import (
	"testing"
	"time"
)

func TestSplitValueKey(t *testing.T) {
	id, ok := SplitValueKey("temp_sensor_value")
	if !ok || id != "temp_sensor" {
		t.Fatalf("got (%q, %v), want (\"temp_sensor\", true)", id, ok)
	}
	if _, ok := SplitValueKey("threshold"); ok {
		t.Fatal("threshold must not be treated as a value key")
	}
	if _, ok := SplitValueKey("_value"); ok {
		t.Fatal("a bare suffix with no stream id must not match")
	}
}

// TestWriteMonotonicTimestamp covers T2: UpdatedAt is monotonically
// non-decreasing per stream even when the wall clock doesn't advance between
// writes (e.g. two writes in the same time.Now() resolution tick).
func TestWriteMonotonicTimestamp(t *testing.T) {
	b := NewBase()
	b.Declare(Stream{ID: "a", Datatype: DataTypeInt, Value: 0})

	var last time.Time
	for i := 0; i < 50; i++ {
		if err := b.Write("a", i); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		s := b.Streams()["a"]
		if !s.UpdatedAt.After(last) {
			t.Fatalf("iteration %d: UpdatedAt did not advance (prev=%v, got=%v)", i, last, s.UpdatedAt)
		}
		last = s.UpdatedAt
		if s.Value != i {
			t.Fatalf("value+timestamp not updated atomically: got value %v", s.Value)
		}
	}
}

func TestWriteUnknownStream(t *testing.T) {
	b := NewBase()
	if err := b.Write("missing", 1); err == nil {
		t.Fatal("expected error writing to undeclared stream")
	}
}

func TestApplyConfigDeltaRoutesValueKeys(t *testing.T) {
	b := NewBase()
	b.Declare(Stream{ID: "temp", Datatype: DataTypeFloat, Value: 1.0})

	err := b.ApplyConfigDelta(map[string]any{
		"temp_value":    2.5,
		"sample_rate":   10,
		"unknown_value": 1,
	})
	if err == nil {
		t.Fatal("expected an error surfaced for the unknown stream's value write")
	}

	streams := b.Streams()
	if streams["temp"].Value != 2.5 {
		t.Fatalf("expected temp value to be written via delta, got %v", streams["temp"].Value)
	}
	cfg := b.Config()
	if cfg["sample_rate"] != 10 {
		t.Fatalf("expected sample_rate to land in config, got %v", cfg["sample_rate"])
	}
	if _, ok := cfg["temp_value"]; ok {
		t.Fatal("temp_value must not also be stored as a literal config key")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := Stream{ID: "a", Metadata: map[string]any{"k": "v"}}
	clone := s.Clone()
	clone.Metadata["k"] = "changed"
	if s.Metadata["k"] != "v" {
		t.Fatal("mutating the clone's metadata must not affect the original")
	}
}
