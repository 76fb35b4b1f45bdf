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

package ingest

import (
	"context"
	"sync"
)

// Registry keeps at most one running session per conversation.
type Registry struct {
	ingestor *Ingestor

	mu     sync.Mutex
	active map[string]*Handle
}

// NewRegistry creates a registry that starts sessions with ingestor.
func NewRegistry(ingestor *Ingestor) *Registry {
	return &Registry{
		ingestor: ingestor,
		active:   make(map[string]*Handle),
	}
}

// Start cancels any session still running for conversationID before the new
// one begins. No callback of the previous session fires after Start returns.
func (r *Registry) Start(ctx context.Context, conversationID string, req Request, cb Callbacks) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.active[conversationID]; ok {
		prev.Cancel()
	}

	h := r.ingestor.Start(ctx, req, cb)
	r.active[conversationID] = h

	go func() {
		<-h.Done()
		r.mu.Lock()
		if r.active[conversationID] == h {
			delete(r.active, conversationID)
		}
		r.mu.Unlock()
	}()

	return h
}

// Cancel stops the running session of conversationID, if any.
func (r *Registry) Cancel(conversationID string) {
	r.mu.Lock()
	h, ok := r.active[conversationID]
	delete(r.active, conversationID)
	r.mu.Unlock()

	if ok {
		h.Cancel()
	}
}

// Active reports whether conversationID has a running session.
func (r *Registry) Active(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[conversationID]
	return ok
}
