package state

import (
	"path/filepath"
	"testing"
)

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	if _, found, err := LoadCheckpoint(path); err != nil || found {
		t.Fatalf("load missing: found=%v err=%v", found, err)
	}

	want := Checkpoint{ChainID: 3, BrokerAddress: "0x2222222222222222222222222222222222222222"}
	if err := SaveCheckpoint(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, found, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found {
		t.Fatalf("checkpoint not found after save")
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestCheckpointEmptyPathIsNoop(t *testing.T) {
	if err := SaveCheckpoint("", Checkpoint{ChainID: 1}); err != nil {
		t.Fatalf("save with empty path: %v", err)
	}
	if _, found, err := LoadCheckpoint(""); err != nil || found {
		t.Fatalf("load with empty path: found=%v err=%v", found, err)
	}
}
