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

// Package checkpoint defines the Checkpointer the Scheduler's process loop
// and each ShardConsumer record progress through, plus one implementation
// backed by the lease table, where the lease is the checkpoint's durable
// home.
package checkpoint

import (
	"context"

	"github.com/shardstream/coordinator/internal/leasestore"
	"github.com/shardstream/coordinator/internal/model"
)

// Checkpointer reads and advances a shard's checkpoint.
type Checkpointer interface {
	GetCheckpoint(ctx context.Context, leaseKey string) (model.ExtendedSequenceNumber, error)
	Checkpoint(ctx context.Context, leaseKey string, sequenceNumber model.ExtendedSequenceNumber) error
}

// LeaseBackedCheckpointer stores the checkpoint as part of the lease
// record, consistent with how the lease table is the single source of
// truth for shard progress in this design.
type LeaseBackedCheckpointer struct {
	Store leasestore.LeaseStore
}

func (c *LeaseBackedCheckpointer) GetCheckpoint(ctx context.Context, leaseKey string) (model.ExtendedSequenceNumber, error) {
	lease, err := c.Store.GetLease(ctx, leaseKey)
	if err != nil {
		return model.ExtendedSequenceNumber{}, err
	}
	return lease.Checkpoint, nil
}

func (c *LeaseBackedCheckpointer) Checkpoint(ctx context.Context, leaseKey string, sequenceNumber model.ExtendedSequenceNumber) error {
	lease, err := c.Store.GetLease(ctx, leaseKey)
	if err != nil {
		return err
	}
	lease.Checkpoint = sequenceNumber
	return c.Store.UpdateLeaseWithMetaInfo(ctx, lease, leasestore.FieldCheckpoint)
}
