// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package eventbus is the process-local typed publish/subscribe bus wiring
// the SPC engine to the live-subscriber broadcaster, the outbound publisher
// and the alert manager.
package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/openspc/openspc/pkg/events"
	"github.com/openspc/openspc/pkg/util/log"
)

// Handler consumes one event. Handler errors are logged and isolated; they
// never reach the publisher except through PublishAndWait.
type Handler func(ctx context.Context, e events.Event) error

// Bus dispatches events to handlers subscribed by event kind. One event is
// delivered to every handler of its kind, each in its own goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	wg       sync.WaitGroup
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for an event kind.
func (b *Bus) Subscribe(kind string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

func (b *Bus) snapshot(kind string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hs := b.handlers[kind]
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}

// Publish dispatches the event without waiting for handlers. Each handler
// runs in its own goroutine; a panic or error in one handler is logged and
// does not affect the others.
func (b *Bus) Publish(ctx context.Context, e events.Event) {
	for _, h := range b.snapshot(e.Kind()) {
		h := h
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.run(ctx, h, e) //nolint:errcheck
		}()
	}
}

// PublishAndWait dispatches the event and waits for every handler, returning
// the errors they produced. The slice is empty on full success.
func (b *Bus) PublishAndWait(ctx context.Context, e events.Event) []error {
	handlers := b.snapshot(e.Kind())
	errCh := make(chan error, len(handlers))

	var wg sync.WaitGroup
	for _, h := range handlers {
		h := h
		wg.Add(1)
		b.wg.Add(1)
		go func() {
			defer wg.Done()
			defer b.wg.Done()
			if err := b.run(ctx, h, e); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}

// run invokes a handler with panic isolation.
func (b *Bus) run(ctx context.Context, h Handler, e events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panic on %s: %v", e.Kind(), r)
			log.Errorf("eventbus: %v", err)
		}
	}()
	if err = h(ctx, e); err != nil {
		log.Errorf("eventbus: handler error on %s: %v", e.Kind(), err)
	}
	return err
}

// Stop waits for all outstanding handler goroutines to drain.
func (b *Bus) Stop() {
	b.wg.Wait()
}
