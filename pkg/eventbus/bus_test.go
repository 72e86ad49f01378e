// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspc/openspc/pkg/events"
	"github.com/openspc/openspc/pkg/model"
)

func sampleEvent() events.Event {
	return events.NewSampleProcessed(1, model.Sample{ID: 1}, true, 0, nil)
}

func TestPublishFansOutToAllHandlers(t *testing.T) {
	b := New()
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		b.Subscribe(events.KindSampleProcessed, func(_ context.Context, _ events.Event) error {
			calls.Add(1)
			return nil
		})
	}
	// A handler for a different kind must not run.
	b.Subscribe(events.KindViolationCreated, func(_ context.Context, _ events.Event) error {
		calls.Add(100)
		return nil
	})

	b.Publish(context.Background(), sampleEvent())
	b.Stop()

	assert.Equal(t, int32(3), calls.Load())
}

func TestPublishDoesNotBlockOnSlowHandler(t *testing.T) {
	b := New()
	release := make(chan struct{})
	b.Subscribe(events.KindSampleProcessed, func(_ context.Context, _ events.Event) error {
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		b.Publish(context.Background(), sampleEvent())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a handler")
	}
	close(release)
	b.Stop()
}

func TestPublishAndWaitCollectsErrors(t *testing.T) {
	b := New()
	errBoom := errors.New("boom")
	b.Subscribe(events.KindSampleProcessed, func(_ context.Context, _ events.Event) error {
		return errBoom
	})
	b.Subscribe(events.KindSampleProcessed, func(_ context.Context, _ events.Event) error {
		return nil
	})

	errs := b.PublishAndWait(context.Background(), sampleEvent())
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], errBoom)
}

func TestPanicInOneHandlerIsIsolated(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var survived bool

	b.Subscribe(events.KindSampleProcessed, func(_ context.Context, _ events.Event) error {
		panic("handler exploded")
	})
	b.Subscribe(events.KindSampleProcessed, func(_ context.Context, _ events.Event) error {
		mu.Lock()
		survived = true
		mu.Unlock()
		return nil
	})

	errs := b.PublishAndWait(context.Background(), sampleEvent())
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "panic")

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, survived)
}

func TestPublishAndWaitNoHandlers(t *testing.T) {
	b := New()
	assert.Empty(t, b.PublishAndWait(context.Background(), sampleEvent()))
}
