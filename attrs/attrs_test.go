package attrs_test

import (
	"context"
	"testing"

	"github.com/tailrpc/tailrpc/attrs"
)

type weight int
type label string

func TestAddGetReplace(t *testing.T) {
	m := attrs.Map{}.Add(weight(3)).Add(label("east"))

	w, ok := attrs.Get[weight](m)
	if !ok || w != 3 {
		t.Fatalf("got (%v, %v)", w, ok)
	}

	m2 := m.Add(weight(7))
	w2, ok := attrs.Get[weight](m2)
	if !ok || w2 != 7 {
		t.Fatalf("expected replaced value 7, got (%v, %v)", w2, ok)
	}

	// Original map is untouched.
	w0, _ := attrs.Get[weight](m)
	if w0 != 3 {
		t.Fatalf("expected original map unmodified, got %v", w0)
	}
}

func TestRemove(t *testing.T) {
	m := attrs.Map{}.Add(weight(3))
	m2 := attrs.Remove[weight](m)

	if _, ok := attrs.Get[weight](m2); ok {
		t.Fatal("expected weight removed")
	}
	if _, ok := attrs.Get[weight](m); !ok {
		t.Fatal("expected original map unaffected by Remove")
	}
}

func TestUnionOtherWins(t *testing.T) {
	a := attrs.Map{}.Add(weight(1)).Add(label("a"))
	b := attrs.Map{}.Add(weight(2))

	u := a.Union(b)
	w, _ := attrs.Get[weight](u)
	if w != 2 {
		t.Fatalf("expected other's value to win, got %v", w)
	}
	l, ok := attrs.Get[label](u)
	if !ok || l != "a" {
		t.Fatalf("expected a's label to survive, got (%v, %v)", l, ok)
	}
}

func TestContextScopeNotInherited(t *testing.T) {
	ctx := attrs.WithValue(context.Background(), weight(5))

	done := make(chan weight, 1)
	go func() {
		// A goroutine spawned without passing ctx sees no scope.
		m := attrs.FromContext(context.Background())
		w, _ := attrs.Get[weight](m)
		done <- w
	}()
	if got := <-done; got != 0 {
		t.Fatalf("expected unspawned context to carry no weight, got %v", got)
	}

	m := attrs.FromContext(ctx)
	w, ok := attrs.Get[weight](m)
	if !ok || w != 5 {
		t.Fatalf("expected explicit ctx to carry weight 5, got (%v, %v)", w, ok)
	}
}
