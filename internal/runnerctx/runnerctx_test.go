package runnerctx

import (
	"testing"

	"github.com/taskgraph/runner/internal/paramconfig"
)

type memStore struct {
	records map[string]map[string]interface{}
}

func newMemStore() *memStore { return &memStore{records: map[string]map[string]interface{}{}} }

func (m *memStore) Save(runID string, tree map[string]interface{}, maxKeep int) error {
	m.records[runID] = tree
	return nil
}

func (m *memStore) Restore(runID string) (map[string]interface{}, bool, error) {
	t, ok := m.records[runID]
	return t, ok, nil
}

func TestRecordContextRoundTrip(t *testing.T) {
	r := NewRecord(nil)
	if err := r.SetOutput("U", map[string]interface{}{"value": 42.0}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetInput("V", map[string]interface{}{"value": 42.0}); err != nil {
		t.Fatal(err)
	}

	store := newMemStore()
	if err := r.Save(store, "run1", 5); err != nil {
		t.Fatal(err)
	}

	fresh := NewRecord(nil)
	if err := fresh.Restore(store, "run1"); err != nil {
		t.Fatal(err)
	}
	if fresh.GetOutput("U")["value"] != 42.0 {
		t.Fatalf("expected restored output, got %v", fresh.GetOutput("U"))
	}
	if fresh.GetInput("V")["value"] != 42.0 {
		t.Fatalf("expected restored input, got %v", fresh.GetInput("V"))
	}
}

func TestDependentContextSetInputForbidden(t *testing.T) {
	doc := `{"U": {"input": {}, "output": {"value": null}}, "V": {"input": {"value": "<%= $.U.output.value %>"}, "output": {}}}`
	cfg, err := paramconfig.Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetParams(map[string]interface{}{}); err != nil {
		t.Fatal(err)
	}
	dc := NewDependent(cfg, map[string]map[string]struct{}{"U": {"value": {}}}, nil)

	if err := dc.SetInput("V", map[string]interface{}{"value": 1}); err == nil {
		t.Fatalf("expected SetInput to be forbidden on a dependent context")
	}
}

func TestDependentContextOutputPropagatesToDownstreamInput(t *testing.T) {
	doc := `{"U": {"input": {}, "output": {"value": null}}, "V": {"input": {"value": "<%= $.U.output.value %>"}, "output": {}}}`
	cfg, _ := paramconfig.Parse([]byte(doc))
	_ = cfg.SetParams(map[string]interface{}{})
	dc := NewDependent(cfg, map[string]map[string]struct{}{"U": {"value": {}}}, nil)

	if err := dc.SetOutput("U", map[string]interface{}{"value": 99.0}); err != nil {
		t.Fatal(err)
	}
	if dc.GetInput("V")["value"] != 99.0 {
		t.Fatalf("expected V's input to observe U's output, got %v", dc.GetInput("V"))
	}
}

func TestDependentContextRestoreReplaysOnlyOutputs(t *testing.T) {
	doc := `{"U": {"input": {}, "output": {"value": null}}, "V": {"input": {"value": "<%= $.U.output.value %>"}, "output": {}}}`
	cfg, _ := paramconfig.Parse([]byte(doc))
	_ = cfg.SetParams(map[string]interface{}{})
	dc := NewDependent(cfg, map[string]map[string]struct{}{"U": {"value": {}}}, nil)
	_ = dc.SetOutput("U", map[string]interface{}{"value": 7.0})

	store := newMemStore()
	if err := dc.Save(store, "run2", 5); err != nil {
		t.Fatal(err)
	}

	cfg2, _ := paramconfig.Parse([]byte(doc))
	_ = cfg2.SetParams(map[string]interface{}{})
	dc2 := NewDependent(cfg2, map[string]map[string]struct{}{"U": {"value": {}}}, nil)
	if err := dc2.Restore(store, "run2"); err != nil {
		t.Fatal(err)
	}
	if dc2.GetInput("V")["value"] != 7.0 {
		t.Fatalf("expected restored output to flow to V's input, got %v", dc2.GetInput("V"))
	}
}
