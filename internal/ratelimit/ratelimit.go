// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ratelimit implements an in-memory sliding-window counter used to
// damp abuse of the trial and validation endpoints. It is not a security
// boundary; a multi-instance deployment needs a shared counter instead.
package ratelimit

import (
	"sync"
	"time"
)

// Config describes one window.
type Config struct {
	Window      time.Duration
	MaxRequests int
	KeyPrefix   string
}

// Result reports the outcome of a single check.
type Result struct {
	Allowed   bool
	Current   int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Named presets. Fixed, not per-tenant configurable.
var Presets = map[string]Config{
	"heartbeat":        {Window: time.Minute, MaxRequests: 10, KeyPrefix: "hb"},
	"trial-init":       {Window: time.Hour, MaxRequests: 5, KeyPrefix: "trial"},
	"license-validate": {Window: time.Minute, MaxRequests: 20, KeyPrefix: "validate"},
	"license-activate": {Window: time.Hour, MaxRequests: 10, KeyPrefix: "activate"},
}

type bucket struct {
	count       int
	windowStart time.Time
	// window is the owning preset's window; the limiter is shared across
	// presets, so staleness is judged per bucket, never by the caller's window
	window time.Duration
}

// Limiter holds the per-key buckets. Buckets are swept opportunistically once
// they are a full window stale.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	lastSweep time.Time
	now       func() time.Time

	// OnDenied, when set, is called once per denied request with the preset
	// name. Set it before serving traffic.
	OnDenied func(preset string)
}

func NewLimiter() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Check counts one request against the window for keyPrefix:identifier. The
// request that pushes the count past the limit is itself denied. Check never
// fails; callers without an identifier should skip it entirely.
func (l *Limiter) Check(identifier string, cfg Config) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	key := cfg.KeyPrefix + ":" + identifier
	b := l.buckets[key]
	if b == nil || now.Sub(b.windowStart) >= cfg.Window {
		b = &bucket{count: 0, windowStart: now, window: cfg.Window}
		l.buckets[key] = b
	}

	b.count++

	allowed := b.count <= cfg.MaxRequests
	remaining := cfg.MaxRequests - b.count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   allowed,
		Current:   b.count,
		Limit:     cfg.MaxRequests,
		Remaining: remaining,
		ResetAt:   b.windowStart.Add(cfg.Window),
	}
}

// sweep drops buckets stale by more than their own window. Runs at most once
// a minute while the lock is already held.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.windowStart) >= 2*b.window {
			delete(l.buckets, key)
		}
	}
}
