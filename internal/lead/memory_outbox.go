// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lead

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryOutbox is an in-process outbox for tests and single-instance
// development setups. Entries do not survive a restart.
type MemoryOutbox struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// NewMemoryOutbox creates an empty outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{entries: make(map[string]*Entry)}
}

func (m *MemoryOutbox) Save(_ context.Context, p Payload) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[p.ID]; ok {
		return *existing, nil
	}
	now := time.Now().UTC()
	entry := &Entry{Payload: p, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	m.entries[p.ID] = entry
	m.order = append(m.order, p.ID)
	return *entry, nil
}

func (m *MemoryOutbox) Get(_ context.Context, id string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *entry, nil
}

func (m *MemoryOutbox) MarkDelivered(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := time.Now().UTC()
	entry.Status = StatusDelivered
	entry.Attempts++
	entry.LastError = ""
	entry.UpdatedAt = now
	entry.DeliveredAt = &now
	return nil
}

func (m *MemoryOutbox) MarkFailed(_ context.Context, id string, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok || entry.Status != StatusPending {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	entry.Attempts++
	entry.LastError = cause
	entry.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryOutbox) List(_ context.Context, status Status, limit int) ([]Entry, error) {
	entries := m.filter(func(e *Entry) bool { return status == "" || e.Status == status })
	slices.Reverse(entries)
	return truncate(entries, limit), nil
}

func (m *MemoryOutbox) Pending(_ context.Context, limit int) ([]Entry, error) {
	return truncate(m.filter(func(e *Entry) bool { return e.Status == StatusPending }), limit), nil
}

func (m *MemoryOutbox) CountPending(_ context.Context) (int, error) {
	return len(m.filter(func(e *Entry) bool { return e.Status == StatusPending })), nil
}

func (m *MemoryOutbox) Ping(context.Context) error { return nil }

func (m *MemoryOutbox) Close() error { return nil }

// filter returns matching entries in insertion order.
func (m *MemoryOutbox) filter(keep func(*Entry) bool) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for _, id := range m.order {
		if e := m.entries[id]; keep(e) {
			out = append(out, *e)
		}
	}
	return out
}

func truncate(entries []Entry, limit int) []Entry {
	limit = normalizeLimit(limit)
	if len(entries) > limit {
		return entries[:limit]
	}
	return entries
}
