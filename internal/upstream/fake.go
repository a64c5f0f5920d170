// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package upstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Fake is a deterministic, in-memory BrowserSession + UpstreamClient +
// WatermarkRewriter used by internal/jobrunner's tests. Scripted responses
// let a test drive every phase-transition path of spec §4.3 without a real
// browser automation stack.
type Fake struct {
	mu sync.Mutex

	nextHandle int64
	openHandles map[string]string // handle -> profileID

	SubmitFn  func(profileID string, spec SubmitSpec) (SubmitResult, error)
	PollFn    func(profileID, taskID string, attempt int) (PollResult, error)
	PublishFn func(profileID, generationID string) (PublishResult, error)
	RewriteFn func(publishURL string) (string, error)

	pollAttempts map[string]int
}

func NewFake() *Fake {
	return &Fake{
		openHandles:  make(map[string]string),
		pollAttempts: make(map[string]int),
	}
}

func (f *Fake) Open(_ context.Context, profileID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := atomic.AddInt64(&f.nextHandle, 1)
	handle := fmt.Sprintf("handle-%d", id)
	f.openHandles[handle] = profileID
	return handle, nil
}

func (f *Fake) Close(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.openHandles, handle)
	return nil
}

func (f *Fake) profileFor(handle string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openHandles[handle]
}

func (f *Fake) Submit(_ context.Context, handle string, spec SubmitSpec) (SubmitResult, error) {
	if f.SubmitFn == nil {
		return SubmitResult{TaskID: "task-1"}, nil
	}
	return f.SubmitFn(f.profileFor(handle), spec)
}

func (f *Fake) Poll(_ context.Context, handle, taskID, _ string, _ bool) (PollResult, error) {
	profileID := f.profileFor(handle)
	f.mu.Lock()
	key := profileID + ":" + taskID
	f.pollAttempts[key]++
	attempt := f.pollAttempts[key]
	f.mu.Unlock()

	if f.PollFn == nil {
		return PollResult{State: "succeeded", GenerationID: "gen-1"}, nil
	}
	return f.PollFn(profileID, taskID, attempt)
}

func (f *Fake) Publish(_ context.Context, handle, generationID, _ string) (PublishResult, error) {
	profileID := f.profileFor(handle)
	if f.PublishFn == nil {
		return PublishResult{PublishURL: "https://sora.chatgpt.com/p/s_abcdefgh1"}, nil
	}
	return f.PublishFn(profileID, generationID)
}

func (f *Fake) Rewrite(_ context.Context, publishURL string) (string, error) {
	if f.RewriteFn == nil {
		return publishURL, nil
	}
	return f.RewriteFn(publishURL)
}

// AsUpstreamClient adapts Fake to the proxied-API UpstreamClient shape,
// reusing the same scripted Poll/Publish behaviour keyed by profileID
// directly (no handle indirection on this transport).
type FakeUpstreamClient struct {
	f *Fake
}

func (f *Fake) AsUpstreamClient() *FakeUpstreamClient {
	return &FakeUpstreamClient{f: f}
}

func (c *FakeUpstreamClient) Poll(_ context.Context, profileID, taskID, _ string, _ bool) (PollResult, error) {
	c.f.mu.Lock()
	key := profileID + ":" + taskID
	c.f.pollAttempts[key]++
	attempt := c.f.pollAttempts[key]
	c.f.mu.Unlock()

	if c.f.PollFn == nil {
		return PollResult{State: "succeeded", GenerationID: "gen-1"}, nil
	}
	return c.f.PollFn(profileID, taskID, attempt)
}

func (c *FakeUpstreamClient) Publish(_ context.Context, profileID, generationID, _ string) (PublishResult, error) {
	if c.f.PublishFn == nil {
		return PublishResult{PublishURL: "https://sora.chatgpt.com/p/s_abcdefgh1"}, nil
	}
	return c.f.PublishFn(profileID, generationID)
}
