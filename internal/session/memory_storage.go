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

package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type storedConversation struct {
	conv       *Conversation
	expiresAt  time.Time
	lastAccess time.Time
}

// MemoryStorage provides in-memory conversation storage with LRU eviction.
// Conversations are stored by pointer: they hold live funnel state and are
// guarded by their own mutex.
type MemoryStorage struct {
	mutex       sync.Mutex
	entries     map[string]*storedConversation
	maxSessions int
	now         func() time.Time
}

// NewMemoryStorage creates a new in-memory conversation storage
func NewMemoryStorage(maxSessions int) *MemoryStorage {
	return &MemoryStorage{
		entries:     make(map[string]*storedConversation),
		maxSessions: maxSessions,
		now:         time.Now,
	}
}

// Get returns a live conversation and slides its expiry by ttl. Expired
// entries are removed on access.
func (m *MemoryStorage) Get(_ context.Context, id string, ttl time.Duration) (*Conversation, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.entries[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := m.now()
	if !entry.expiresAt.After(now) {
		delete(m.entries, id)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	entry.lastAccess = now
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	return entry.conv, nil
}

// Set stores conv. When the store is full and conv is new, the least
// recently used conversation is evicted and its ID returned.
func (m *MemoryStorage) Set(_ context.Context, conv *Conversation, ttl time.Duration) (string, error) {
	if conv == nil || conv.ID == "" {
		return "", fmt.Errorf("conversation without ID")
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var evicted string
	if _, exists := m.entries[conv.ID]; !exists && m.maxSessions > 0 && len(m.entries) >= m.maxSessions {
		evicted = m.evictOldest()
	}

	now := m.now()
	m.entries[conv.ID] = &storedConversation{
		conv:       conv,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
	}
	return evicted, nil
}

// Delete removes a conversation
func (m *MemoryStorage) Delete(_ context.Context, id string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.entries[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.entries, id)
	return nil
}

// Cleanup removes expired conversations and returns how many were dropped.
func (m *MemoryStorage) Cleanup(_ context.Context) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	removed := 0
	for id, entry := range m.entries {
		if !entry.expiresAt.After(now) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored conversations.
func (m *MemoryStorage) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.entries)
}

// Close drops all conversations.
func (m *MemoryStorage) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.entries = make(map[string]*storedConversation)
	return nil
}

// evictOldest removes the least recently used conversation. Caller holds
// the mutex.
func (m *MemoryStorage) evictOldest() string {
	var oldestID string
	var oldest time.Time
	for id, entry := range m.entries {
		if oldestID == "" || entry.lastAccess.Before(oldest) {
			oldestID = id
			oldest = entry.lastAccess
		}
	}
	if oldestID != "" {
		delete(m.entries, oldestID)
	}
	return oldestID
}
