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
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	StorageTypeMemory = "memory"
	StorageTypeSQLite = "sqlite"
)

// Status is the delivery state of an outbox entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
)

// ErrNotFound is returned for unknown entry ids.
var ErrNotFound = errors.New("lead not found")

// Entry is a persisted payload with its delivery state.
type Entry struct {
	Payload     Payload    `json:"payload"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// ID returns the payload id.
func (e Entry) ID() string {
	return e.Payload.ID
}

// Outbox stores every assembled payload before it is sent so a failed
// delivery can be replayed.
type Outbox interface {
	// Save stores p as pending. Saving an id that exists returns the stored
	// entry unchanged.
	Save(ctx context.Context, p Payload) (Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause string) error
	// List returns entries with status, newest first. An empty status lists
	// everything.
	List(ctx context.Context, status Status, limit int) ([]Entry, error)
	// Pending returns pending entries, oldest first.
	Pending(ctx context.Context, limit int) ([]Entry, error)
	CountPending(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// OutboxConfig selects the outbox backend.
type OutboxConfig struct {
	StorageType string `json:"storage_type"` // StorageTypeMemory or StorageTypeSQLite
	DBPath      string `json:"db_path"`
}

// NewOutbox creates the configured outbox.
func NewOutbox(config OutboxConfig, logger *zap.Logger) (Outbox, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch config.StorageType {
	case StorageTypeMemory:
		return NewMemoryOutbox(), nil
	case StorageTypeSQLite:
		outbox, err := NewSQLiteOutbox(config.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite outbox: %w", err)
		}
		return outbox, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.StorageType)
	}
}
