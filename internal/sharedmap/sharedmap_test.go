package sharedmap

import (
	"errors"
	"testing"
)

func TestThreadSharedGetSet(t *testing.T) {
	m := New(nil)
	m.Set("a", 1)
	v, ok := m.Get("a")
	if !ok || v.(int) != 1 {
		t.Fatalf("expected a=1, got %v ok=%v", v, ok)
	}
	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected a deleted")
	}
}

func TestHashStableAcrossInsertionOrder(t *testing.T) {
	m1 := New(nil)
	m1.Set("x", 1)
	m1.Set("y", 2)

	m2 := New(nil)
	m2.Set("y", 2)
	m2.Set("x", 1)

	h1, err := m1.Hash()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := m2.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("expected equal hashes regardless of insertion order, got %s vs %s", h1, h2)
	}
}

type brokenTransport struct{}

func (brokenTransport) Get(string) (interface{}, bool, error) { return nil, false, errors.New("conn reset") }
func (brokenTransport) Set(string, interface{}) error          { return errors.New("conn reset") }
func (brokenTransport) Delete(string) error                    { return errors.New("conn reset") }
func (brokenTransport) Keys() ([]string, error)                 { return nil, errors.New("conn reset") }

func TestProcessSharedFallsBackToShadowOnBrokenTransport(t *testing.T) {
	m := NewProcessShared(brokenTransport{}, nil)
	m.Set("a", 42) // transport fails, falls back to shadow copy write
	v, ok := m.Get("a")
	if !ok || v.(int) != 42 {
		t.Fatalf("expected shadow-copy fallback to observe the write, got %v ok=%v", v, ok)
	}
}
