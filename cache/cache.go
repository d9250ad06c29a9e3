// Package cache implements spec §4.E, the Response Cache: a mapping from
// request fingerprint to the last response, plus a secondary
// message-type index, with an optional chained persistent backend.
//
// Grounded on the original Python implementation's Cache/InMemory classes
// (deriv_api.py) and expect_response; the teacher repo has no generic
// response-cache concept of its own.
package cache

import (
	"context"
	"sync"

	"github.com/arvindmahta/derivrt-go/fingerprint"
)

// Storage is the out-of-scope persistent backend spec §4.E allows to be
// chained: on a primary miss, Get/GetByMessageType may consult it.
type Storage interface {
	Get(ctx context.Context, fp string) (map[string]any, bool, error)
	Set(ctx context.Context, fp string, response map[string]any) error
	GetByMessageType(ctx context.Context, msgType string) (map[string]any, bool, error)
}

// Cache is spec §4.E's in-memory response cache. Reads never block
// writes or vice versa beyond the duration of a single map access; it is
// touched from the facade only and treated as single-writer, per spec §5.
type Cache struct {
	mu         sync.RWMutex
	byFP       map[string]map[string]any
	byMsgType  map[string]map[string]any
	storage    Storage
	waitersMu  sync.Mutex
	waiters    map[string][]chan map[string]any
}

// New constructs an empty cache, optionally chaining storage (nil for
// none).
func New(storage Storage) *Cache {
	return &Cache{
		byFP:      make(map[string]map[string]any),
		byMsgType: make(map[string]map[string]any),
		storage:   storage,
		waiters:   make(map[string][]chan map[string]any),
	}
}

// Set records response under request's fingerprint, and under its message
// type if recognized, and wakes any ExpectResponse waiters for that type.
// Also forwards to the chained storage, if any.
func (c *Cache) Set(ctx context.Context, request, response map[string]any) {
	fp := fingerprint.Key(request)
	msgType, _ := response["msg_type"].(string)

	c.mu.Lock()
	c.byFP[fp] = response
	if msgType != "" {
		c.byMsgType[msgType] = response
	}
	c.mu.Unlock()

	if c.storage != nil {
		_ = c.storage.Set(ctx, fp, response)
	}

	if msgType != "" {
		c.notifyWaiters(msgType, response)
	}
}

// Get returns the cached response for request, consulting chained
// storage on a primary miss.
func (c *Cache) Get(ctx context.Context, request map[string]any) (map[string]any, bool) {
	fp := fingerprint.Key(request)

	c.mu.RLock()
	resp, ok := c.byFP[fp]
	c.mu.RUnlock()
	if ok {
		return resp, true
	}

	if c.storage != nil {
		if resp, ok, err := c.storage.Get(ctx, fp); err == nil && ok {
			return resp, true
		}
	}
	return nil, false
}

// GetByMessageType returns the most recent response observed for
// msgType, consulting chained storage on a primary miss.
func (c *Cache) GetByMessageType(ctx context.Context, msgType string) (map[string]any, bool) {
	c.mu.RLock()
	resp, ok := c.byMsgType[msgType]
	c.mu.RUnlock()
	if ok {
		return resp, true
	}

	if c.storage != nil {
		if resp, ok, err := c.storage.GetByMessageType(ctx, msgType); err == nil && ok {
			return resp, true
		}
	}
	return nil, false
}

// ExpectResponse blocks until a response of msgType has been observed
// (immediately, if one is already cached), or ctx is done. This is the
// Go analog of the original's expect_response future (deriv_api.py);
// spec §6 only gestures at the facade surface, the original gives the
// concrete cache-backed-future semantics this reproduces.
func (c *Cache) ExpectResponse(ctx context.Context, msgType string) (map[string]any, error) {
	if resp, ok := c.GetByMessageType(ctx, msgType); ok {
		return resp, nil
	}

	ch := make(chan map[string]any, 1)
	c.waitersMu.Lock()
	c.waiters[msgType] = append(c.waiters[msgType], ch)
	c.waitersMu.Unlock()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) notifyWaiters(msgType string, response map[string]any) {
	c.waitersMu.Lock()
	waiters := c.waiters[msgType]
	delete(c.waiters, msgType)
	c.waitersMu.Unlock()

	for _, ch := range waiters {
		ch <- response
	}
}
