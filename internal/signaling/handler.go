package signaling

import (
	"encoding/json"
	"sync"
)

// handlers routes inbound events to the callbacks registered with On.
// Callbacks run on the delivering goroutine in arrival order.
type handlers struct {
	mu sync.RWMutex
	m  map[string][]Handler
}

func (h *handlers) on(event string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = make(map[string][]Handler)
	}
	h.m[event] = append(h.m[event], fn)
}

// dispatch reports whether any handler was registered for the event.
func (h *handlers) dispatch(event string, payload json.RawMessage) bool {
	h.mu.RLock()
	fns := h.m[event]
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(payload)
	}
	return len(fns) > 0
}
