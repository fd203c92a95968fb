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

package scheduler

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shardstream/coordinator/internal/leasestore"
	"github.com/shardstream/coordinator/internal/model"
)

// leaseCoordinator is the Scheduler's private wrapper around LeaseStore: it
// decides which unowned leases this worker claims, renews what it already
// holds, and hands the Scheduler its currentAssignments() view. Claiming is
// first-seen; balancing leases across the fleet is a store-side concern.
type leaseCoordinator struct {
	lg       *zap.Logger
	store    leasestore.LeaseStore
	workerID string

	mu     sync.Mutex
	tokens map[string]string // leaseKey -> concurrencyToken, only for leases we currently own
}

func newLeaseCoordinator(lg *zap.Logger, store leasestore.LeaseStore, workerID string) *leaseCoordinator {
	return &leaseCoordinator{
		lg:       lg,
		store:    store,
		workerID: workerID,
		tokens:   make(map[string]string),
	}
}

// Initialize performs one blocking claim/renew pass so the Scheduler starts
// its process loop with an up-to-date ownership view.
func (c *leaseCoordinator) Initialize(ctx context.Context) error {
	return c.reconcile(ctx)
}

// Tick performs one claim/renew pass, called once per process-loop
// iteration before currentAssignments is read.
func (c *leaseCoordinator) Tick(ctx context.Context) error {
	return c.reconcile(ctx)
}

func (c *leaseCoordinator) reconcile(ctx context.Context) error {
	leases, err := c.store.ListLeases(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	owned := make(map[string]struct{})
	for _, l := range leases {
		owned[l.Key] = struct{}{}
		switch {
		case l.Owner == c.workerID:
			if _, ok := c.tokens[l.Key]; !ok {
				c.tokens[l.Key] = uuid.NewString()
			}
			if err := c.store.RenewLease(ctx, l); err != nil {
				c.lg.Warn("lease renewal failed", zap.String("leaseKey", l.Key), zap.Error(err))
			}
		case l.Owner == "":
			token := uuid.NewString()
			if err := c.store.TakeLease(ctx, l, c.workerID); err != nil {
				c.lg.Warn("lease claim failed", zap.String("leaseKey", l.Key), zap.Error(err))
				continue
			}
			c.tokens[l.Key] = token
		default:
			delete(c.tokens, l.Key)
		}
	}
	for key := range c.tokens {
		if _, ok := owned[key]; !ok {
			delete(c.tokens, key)
		}
	}
	return nil
}

// CurrentAssignments returns the ShardInfo view of every lease this worker
// currently owns, each stamped with the concurrency token assigned at claim
// time.
func (c *leaseCoordinator) CurrentAssignments(ctx context.Context) ([]model.ShardInfo, error) {
	leases, err := c.store.ListLeases(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []model.ShardInfo
	for _, l := range leases {
		if l.Owner != c.workerID {
			continue
		}
		token, ok := c.tokens[l.Key]
		if !ok {
			token = uuid.NewString()
			c.tokens[l.Key] = token
		}
		out = append(out, model.ShardInfo{
			ShardID:          shardIDFromLeaseKey(l),
			ConcurrencyToken: token,
			ParentShardIDs:   l.ParentShardIDs,
			Checkpoint:       l.Checkpoint,
			StreamIdentifier: l.StreamIdentifier,
		})
	}
	return out, nil
}

// Lease looks up the current lease record backing a ShardInfo, used by the
// process loop when it hands a fresh Lease to the consumer factory.
func (c *leaseCoordinator) Lease(ctx context.Context, key string) (model.Lease, error) {
	return c.store.GetLease(ctx, key)
}

func shardIDFromLeaseKey(l model.Lease) string {
	if !l.StreamIdentifier.MultiStreamHdr {
		return l.Key
	}
	prefix := l.StreamIdentifier.Serialize() + ":"
	if len(l.Key) > len(prefix) && l.Key[:len(prefix)] == prefix {
		return l.Key[len(prefix):]
	}
	return l.Key
}

// Stop releases every lease this worker owns back to the pool.
func (c *leaseCoordinator) Stop(ctx context.Context) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.tokens))
	for k := range c.tokens {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	for _, key := range keys {
		lease, err := c.store.GetLease(ctx, key)
		if err != nil {
			continue
		}
		if lease.Owner != c.workerID {
			continue
		}
		if err := c.store.TakeLease(ctx, lease, ""); err != nil {
			c.lg.Warn("lease release failed", zap.String("leaseKey", key), zap.Error(err))
		}
	}

	c.mu.Lock()
	c.tokens = make(map[string]string)
	c.mu.Unlock()
}
