package checkpoint

import (
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func noopMeter() metric.Meter {
	return noopmetric.MeterProvider{}.Meter("test")
}

func TestFileStoreSaveRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFile(dir, "ckpt")
	if err != nil {
		t.Fatal(err)
	}

	tree := map[string]interface{}{"taskA": map[string]interface{}{"input": map[string]interface{}{}, "output": map[string]interface{}{"v": 1.0}}}
	if err := store.Save("run1", tree, 5); err != nil {
		t.Fatal(err)
	}

	got, found, err := store.Restore("run1")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("expected a restored record")
	}
	taskA := got["taskA"].(map[string]interface{})
	output := taskA["output"].(map[string]interface{})
	if output["v"] != 1.0 {
		t.Fatalf("expected v=1.0, got %v", output["v"])
	}
}

func TestFileStorePrunesBeyondMaxKeep(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFile(dir, "ckpt")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 7; i++ {
		if err := store.Save("run1", map[string]interface{}{"n": float64(i)}, 3); err != nil {
			t.Fatal(err)
		}
	}
	names, err := store.matching("run1")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 3 {
		t.Fatalf("expected 3 retained checkpoints, got %d (%v)", len(names), names)
	}
	got, found, err := store.Restore("run1")
	if err != nil || !found {
		t.Fatalf("expected a restore to succeed, err=%v found=%v", err, found)
	}
	if got["n"] != 6.0 {
		t.Fatalf("expected the most recent checkpoint (n=6), got %v", got["n"])
	}
}

func TestBoltStoreSaveRestoreAndPrune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := NewBolt(path, noopMeter())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	for i := 0; i < 5; i++ {
		if err := store.Save("run1", map[string]interface{}{"n": float64(i)}, 2); err != nil {
			t.Fatal(err)
		}
	}
	got, found, err := store.Restore("run1")
	if err != nil || !found {
		t.Fatalf("expected restore to succeed, err=%v found=%v", err, found)
	}
	if got["n"] != 4.0 {
		t.Fatalf("expected most recent record n=4, got %v", got["n"])
	}
}
