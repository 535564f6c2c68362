package procctl

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRegistryPutGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.db")
	reg, err := OpenRegistry(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	want := Record{PID: 4242, StartedAt: time.Unix(1700000000, 0), LastSaveStatus: 2}
	if err := reg.Put(want); err != nil {
		t.Fatal(err)
	}

	got, err := reg.Get()
	if err != nil {
		t.Fatal(err)
	}
	if got.PID != want.PID || got.LastSaveStatus != want.LastSaveStatus {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestRegistryGetBeforeAnyPutReturnsZeroValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.db")
	reg, err := OpenRegistry(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	got, err := reg.Get()
	if err != nil {
		t.Fatal(err)
	}
	if got.PID != 0 {
		t.Fatalf("PID = %d, want 0", got.PID)
	}
}
