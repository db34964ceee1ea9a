package ai

import (
	"context"
	"sync"
)

// Mock is a deterministic scripted Capability for tests and dry runs.
// Responses are keyed by item ID with an optional default; failures are
// injected per item, either persistent or for the first N attempts.
type Mock struct {
	mu sync.Mutex

	// responses maps item ID to the response text returned
	responses map[string]string
	// defaultResponse is returned when no per-item response is scripted
	defaultResponse string
	// respondFunc, when set, computes the response for unscripted items
	respondFunc func(req Request) (string, error)
	// failures maps item ID to the injected error
	failures map[string]error
	// failuresLeft maps item ID to the remaining number of injected
	// failures before the scripted response is returned (transient faults)
	failuresLeft map[string]int
	// calls counts Invoke calls per item ID
	calls map[string]int
}

// NewMock creates an empty mock capability.
func NewMock() *Mock {
	return &Mock{
		responses:    make(map[string]string),
		failures:     make(map[string]error),
		failuresLeft: make(map[string]int),
		calls:        make(map[string]int),
	}
}

// Respond scripts a response for an item ID.
func (m *Mock) Respond(itemID, text string) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[itemID] = text
	return m
}

// RespondDefault scripts the response for any unscripted item.
func (m *Mock) RespondDefault(text string) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResponse = text
	return m
}

// RespondFunc scripts a function that computes the response for any
// unscripted item. Per-item responses take precedence.
func (m *Mock) RespondFunc(fn func(req Request) (string, error)) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respondFunc = fn
	return m
}

// Fail injects a persistent failure for an item ID.
func (m *Mock) Fail(itemID string, err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[itemID] = err
	return m
}

// FailTimes injects a failure for the first n attempts on an item ID; later
// attempts return the scripted response.
func (m *Mock) FailTimes(itemID string, n int, err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[itemID] = err
	m.failuresLeft[itemID] = n
	return m
}

// Calls returns the number of Invoke calls seen for an item ID.
func (m *Mock) Calls(itemID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[itemID]
}

// Invoke implements Capability.
func (m *Mock) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[req.ItemID]++

	if err, ok := m.failures[req.ItemID]; ok {
		if left, transient := m.failuresLeft[req.ItemID]; transient {
			if left > 0 {
				m.failuresLeft[req.ItemID] = left - 1
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	if text, ok := m.responses[req.ItemID]; ok {
		return &Response{Text: text}, nil
	}
	if m.respondFunc != nil {
		text, err := m.respondFunc(req)
		if err != nil {
			return nil, err
		}
		return &Response{Text: text}, nil
	}
	return &Response{Text: m.defaultResponse}, nil
}
