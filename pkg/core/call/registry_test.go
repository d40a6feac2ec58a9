package call

import (
	"context"
	"testing"
	"time"
)

func newRegisteredController(t *testing.T, callID string) *Controller {
	t.Helper()
	rig := newTestRig(t, &fakeLLM{}, nil, Config{CallID: callID})
	t.Cleanup(rig.controller.Close)
	return rig.controller
}

func TestRegistryRegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	a := newRegisteredController(t, "CA-a")
	b := newRegisteredController(t, "CA-b")

	unregisterA := registry.Register(a)
	registry.Register(b)

	if registry.Count() != 2 {
		t.Fatalf("count = %d, want 2", registry.Count())
	}
	got, ok := registry.Get("CA-a")
	if !ok || got != a {
		t.Fatal("lookup of CA-a failed")
	}

	unregisterA()
	unregisterA() // revoking twice is safe
	if _, ok := registry.Get("CA-a"); ok {
		t.Fatal("CA-a still registered after revoke")
	}
	if registry.Count() != 1 {
		t.Fatalf("count = %d, want 1", registry.Count())
	}
}

func TestRegistryDuplicateEvictsStaleEntry(t *testing.T) {
	registry := NewRegistry()
	stale := newRegisteredController(t, "CA-dup")
	fresh := newRegisteredController(t, "CA-dup")

	staleRevoke := registry.Register(stale)
	registry.Register(fresh)

	got, ok := registry.Get("CA-dup")
	if !ok || got != fresh {
		t.Fatal("fresh controller did not replace the stale one")
	}
	if registry.Count() != 1 {
		t.Fatalf("count = %d, want 1", registry.Count())
	}

	// The stale revoke fires after eviction and must not remove the
	// fresh entry.
	staleRevoke()
	if _, ok := registry.Get("CA-dup"); !ok {
		t.Fatal("stale revoke removed the fresh entry")
	}
}

func TestRegistryCloseAllAndWait(t *testing.T) {
	registry := NewRegistry()
	a := newRegisteredController(t, "CA-1")
	b := newRegisteredController(t, "CA-2")
	revokeA := registry.Register(a)
	revokeB := registry.Register(b)

	if closed := registry.CloseAll(); closed != 2 {
		t.Fatalf("closed %d calls, want 2", closed)
	}
	<-a.Done()
	<-b.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if registry.Wait(ctx) {
		t.Fatal("Wait returned before entries were revoked")
	}

	revokeA()
	revokeB()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if !registry.Wait(ctx2) {
		t.Fatal("Wait timed out after all entries were revoked")
	}
}
