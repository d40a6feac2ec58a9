package call

import (
	"context"
	"sync"
)

// Registry is the process-wide index of active calls, keyed by call id.
// It is scoped strictly to lookup: ownership of each controller belongs
// to the transport handler that registered it, from CONNECTING until the
// entry is revoked on close.
type Registry struct {
	mu    sync.Mutex
	calls map[string]*registeredCall
	wg    sync.WaitGroup
}

type registeredCall struct {
	controller *Controller
	once       sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		calls: make(map[string]*registeredCall),
	}
}

// Register adds a controller and returns its revoke function. A duplicate
// call id evicts the stale entry.
func (r *Registry) Register(controller *Controller) (unregister func()) {
	entry := &registeredCall{controller: controller}
	callID := controller.CallID()

	r.mu.Lock()
	old := r.calls[callID]
	r.calls[callID] = entry
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.unregister(callID, old)
	}
	return func() { r.unregister(callID, entry) }
}

func (r *Registry) unregister(callID string, entry *registeredCall) {
	entry.once.Do(func() {
		r.mu.Lock()
		if r.calls[callID] == entry {
			delete(r.calls, callID)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

// Get looks up an active call.
func (r *Registry) Get(callID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.calls[callID]
	if !ok {
		return nil, false
	}
	return entry.controller, true
}

// Count returns the number of active calls.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// CloseAll closes every active call. Used on shutdown.
func (r *Registry) CloseAll() (closed int) {
	var controllers []*Controller
	r.mu.Lock()
	for _, entry := range r.calls {
		controllers = append(controllers, entry.controller)
	}
	r.mu.Unlock()

	for _, controller := range controllers {
		controller.Close()
		closed++
	}
	return closed
}

// Wait blocks until every registered call has been revoked, or the
// context expires. Returns false on timeout.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
