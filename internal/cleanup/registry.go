// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cleanup implements a registry of acquired resources that must be
// released exactly once, no matter how the owning operation exits.
//
// A resource is registered right after it is acquired (before any work that
// depends on it starts). Its owner usually releases it explicitly when done,
// but if the owner bails out early (error, panic, context cancellation) the
// registry still releases it when ReleaseAll is called.
package cleanup

import (
	"context"
	"sync"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// ReleaseFunc releases a single resource.
type ReleaseFunc func(ctx context.Context) error

// Registry tracks resources acquired during one invocation.
//
// It is safe for concurrent use. The zero value is ready to use.
type Registry struct {
	m       sync.Mutex
	entries []*Handle
}

// Handle is a registered resource.
type Handle struct {
	name    string
	release ReleaseFunc

	once sync.Once
	err  error

	m         sync.Mutex
	dismissed bool
	done      bool
}

// Register adds a resource to the registry.
//
// The release function is called at most once, either via Handle.Release or
// via Registry.ReleaseAll.
func (r *Registry) Register(name string, release ReleaseFunc) *Handle {
	h := &Handle{name: name, release: release}
	r.m.Lock()
	r.entries = append(r.entries, h)
	r.m.Unlock()
	return h
}

// Pending returns names of resources that are neither released nor dismissed.
func (r *Registry) Pending() []string {
	r.m.Lock()
	defer r.m.Unlock()
	var out []string
	for _, h := range r.entries {
		if !h.settled() {
			out = append(out, h.name)
		}
	}
	return out
}

// ReleaseAll releases all pending resources, most recently registered first.
//
// Every release is attempted even if some of them fail. Returns
// errors.MultiError with all failures, or nil.
func (r *Registry) ReleaseAll(ctx context.Context) error {
	r.m.Lock()
	entries := make([]*Handle, len(r.entries))
	copy(entries, r.entries)
	r.m.Unlock()

	var merr errors.MultiError
	for i := len(entries) - 1; i >= 0; i-- {
		h := entries[i]
		if h.settled() {
			continue
		}
		logging.Debugf(ctx, "Releasing %s", h.name)
		if err := h.Release(ctx); err != nil {
			merr = append(merr, err)
		}
	}
	if len(merr) == 0 {
		return nil
	}
	return merr
}

// Name is a human readable name of the resource.
func (h *Handle) Name() string {
	return h.name
}

// Release releases the resource if it wasn't released or dismissed yet.
//
// Concurrent and repeated calls are fine: the release function runs once and
// all callers observe its error.
func (h *Handle) Release(ctx context.Context) error {
	h.m.Lock()
	dismissed := h.dismissed
	h.m.Unlock()
	if dismissed {
		return nil
	}
	h.once.Do(func() {
		if err := h.release(ctx); err != nil {
			h.err = errors.Annotate(err, "releasing %s", h.name).Err()
		}
		h.m.Lock()
		h.done = true
		h.m.Unlock()
	})
	return h.err
}

// Dismiss marks the resource as intentionally kept.
//
// A dismissed resource is never released. Has no effect if the resource was
// already released.
func (h *Handle) Dismiss() {
	h.m.Lock()
	defer h.m.Unlock()
	if !h.done {
		h.dismissed = true
	}
}

// settled is true if the resource was released or dismissed.
func (h *Handle) settled() bool {
	h.m.Lock()
	defer h.m.Unlock()
	return h.done || h.dismissed
}
