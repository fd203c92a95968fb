// Copyright 2024 The shardstream Authors
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

// Package leasestore defines the LeaseStore collaborator: the persistent,
// conditionally-updatable table of shard leases shared across the worker
// fleet. Concrete adapters live in sub-packages (e.g. leasestore/dynamodb).
package leasestore

import (
	"context"
	"errors"

	"github.com/shardstream/coordinator/internal/model"
)

// ErrInvalidState signals a contract violation of the store, typically a
// failed conditional update because the caller's view of LeaseCounter (or
// the field being written) is stale. This is surfaced, not retried.
var ErrInvalidState = errors.New("leasestore: invalid state")

// ErrNotFound is returned by GetLease when no lease exists for the key.
var ErrNotFound = errors.New("leasestore: lease not found")

// MetaField enumerates the fields UpdateLeaseWithMetaInfo can write.
type MetaField int

const (
	FieldChildShards MetaField = iota
	FieldCheckpoint
	FieldPendingCheckpoint
)

// LeaseStore persists leases and mediates ownership via conditional writes
// keyed on LeaseCounter, so at most one worker ever holds a given lease key.
type LeaseStore interface {
	ListLeases(ctx context.Context) ([]model.Lease, error)
	GetLease(ctx context.Context, key string) (model.Lease, error)
	// CreateLeaseIfNotExists is a no-op (not an error) if the key already
	// exists.
	CreateLeaseIfNotExists(ctx context.Context, lease model.Lease) error
	// DeleteLease succeeds only if the store's copy's LeaseCounter still
	// matches lease.LeaseCounter.
	DeleteLease(ctx context.Context, lease model.Lease) error
	// UpdateLeaseWithMetaInfo conditionally writes a single metadata field,
	// bumping LeaseCounter on success.
	UpdateLeaseWithMetaInfo(ctx context.Context, lease model.Lease, field MetaField) error
	// RenewLease refreshes ownership of a lease this worker already holds.
	RenewLease(ctx context.Context, lease model.Lease) error
	// TakeLease conditionally transfers ownership to newOwner.
	TakeLease(ctx context.Context, lease model.Lease, newOwner string) error
}
