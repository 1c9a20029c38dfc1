package registry

import (
	"context"
	"testing"
	"time"

	"github.com/taskgraph/runner/internal/taskrunner"
)

func fn(out map[string]interface{}) taskrunner.Runner {
	return taskrunner.NewFunctionRunner(
		taskrunner.Spec{Name: "x", RetryLimit: 1, RetryInterval: time.Millisecond},
		func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
			return out, nil
		},
	)
}

func TestSpawnInfersDependencyFromMatchingOutputKey(t *testing.T) {
	r := New()
	if err := r.Register(Decl{Name: "U", Runner: fn(map[string]interface{}{"value": 42.0}), OutputKeys: []string{"value"}}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Decl{Name: "V", Runner: fn(map[string]interface{}{}), InputKeys: []string{"value"}}); err != nil {
		t.Fatal(err)
	}

	g, rctx, runners, err := r.Spawn(map[string]interface{}{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(runners) != 2 {
		t.Fatalf("expected 2 runners, got %d", len(runners))
	}
	deps := g.Depends("V")
	if _, ok := deps["U"]; !ok {
		t.Fatalf("expected V to depend on U, got %v", deps)
	}

	_ = rctx.SetOutput("U", map[string]interface{}{"value": 42.0})
	input := rctx.GetInput("V")
	if input["value"] != 42.0 {
		t.Fatalf("expected V's input to observe U's output, got %v", input)
	}
}

func TestSpawnRejectsAmbiguousProducer(t *testing.T) {
	r := New()
	r.Register(Decl{Name: "A", Runner: fn(nil), OutputKeys: []string{"value"}})
	r.Register(Decl{Name: "B", Runner: fn(nil), OutputKeys: []string{"value"}})
	r.Register(Decl{Name: "C", Runner: fn(nil), InputKeys: []string{"value"}})

	_, _, _, err := r.Spawn(map[string]interface{}{}, nil)
	if err == nil {
		t.Fatal("expected ambiguous producer error")
	}
}

func TestSpawnRequiresFreeParameterFromFeed(t *testing.T) {
	r := New()
	r.Register(Decl{Name: "A", Runner: fn(nil), InputKeys: []string{"greeting"}})

	if _, _, _, err := r.Spawn(map[string]interface{}{}, nil); err == nil {
		t.Fatal("expected missing-parameter error")
	}
	g, rctx, _, err := r.Spawn(map[string]interface{}{"greeting": "hi"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if g.Len() != 1 {
		t.Fatalf("expected 1 node, got %d", g.Len())
	}
	if rctx.GetInput("A")["greeting"] != "hi" {
		t.Fatalf("expected free param wired through, got %v", rctx.GetInput("A"))
	}
}

func TestSpawnRejectsExtraFeedParameter(t *testing.T) {
	r := New()
	r.Register(Decl{Name: "A", Runner: fn(nil)})
	if _, _, _, err := r.Spawn(map[string]interface{}{"unused": 1}, nil); err == nil {
		t.Fatal("expected extra-parameter error")
	}
}
