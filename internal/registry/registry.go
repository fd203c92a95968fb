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

// Package registry implements the ShardConsumerRegistry: the Scheduler's
// process-loop-local bookkeeping of which shards currently have a live
// ShardConsumer, keyed on the shard's full identity so a lost-and-reacquired
// lease is never mistaken for its predecessor's tenancy.
package registry

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shardstream/coordinator/internal/consumer"
	"github.com/shardstream/coordinator/internal/model"
)

// entry pairs a live ShardConsumer with the identity it was created for.
type entry struct {
	identity model.ConsumerIdentity
	consumer consumer.ShardConsumer
}

// Registry is the ShardConsumerRegistry. Not safe for concurrent use: it
// is only ever touched from the Scheduler's single process-loop goroutine.
type Registry struct {
	lg      *zap.Logger
	factory consumer.Factory
	byKey   map[string]*entry // keyed on ConsumerIdentity string form
}

func New(lg *zap.Logger, factory consumer.Factory) *Registry {
	return &Registry{
		lg:      lg,
		factory: factory,
		byKey:   make(map[string]*entry),
	}
}

func identityKey(id model.ConsumerIdentity) string {
	return id.StreamIdentifier.Serialize() + "|" + id.ShardID + "|" + id.ConcurrencyToken
}

// CreateOrGet returns the live consumer for shard's identity, creating one
// via the factory if none exists yet. A shard reassigned with a new
// ConcurrencyToken is a distinct identity and gets a distinct consumer;
// the stale one is left running until RetireAbsent notices it is no longer
// in the current assignment set and requests its shutdown.
func (r *Registry) CreateOrGet(shard model.ShardInfo, lease model.Lease) consumer.ShardConsumer {
	id := shard.Identity()
	key := identityKey(id)
	if e, ok := r.byKey[key]; ok {
		return e.consumer
	}
	c := r.factory(shard, lease)
	r.byKey[key] = &entry{identity: id, consumer: c}
	r.lg.Info("created shard consumer", zap.String("shard", id.ShardID), zap.String("token", id.ConcurrencyToken))
	return c
}

// RetireAbsent requests shutdown for every tracked consumer whose identity
// is not in current (the latest full assignment set for this worker). It
// does not remove them from the registry; SweepFinished does that once
// IsShutdownComplete is true, so a consumer mid-shutdown is still visible
// to CreateOrGet and won't be double-created.
func (r *Registry) RetireAbsent(current map[model.ConsumerIdentity]struct{}) {
	for _, e := range r.byKey {
		if _, ok := current[e.identity]; !ok {
			e.consumer.RequestShutdown(consumer.ShutdownRequested)
		}
	}
}

// SweepFinished removes every tracked consumer that has finished shutting
// down, returning their identities so the caller can fold any pending
// cleanup bookkeeping.
func (r *Registry) SweepFinished() []model.ConsumerIdentity {
	var done []model.ConsumerIdentity
	for key, e := range r.byKey {
		if e.consumer.IsShutdownComplete() {
			done = append(done, e.identity)
			delete(r.byKey, key)
		}
	}
	return done
}

// Len reports the number of tracked consumers, live or mid-shutdown.
func (r *Registry) Len() int {
	return len(r.byKey)
}

// ShutdownAll requests shutdown for every tracked consumer, used during
// Scheduler.Shutdown.
func (r *Registry) ShutdownAll(reason consumer.ShutdownReason) {
	for _, e := range r.byKey {
		e.consumer.RequestShutdown(reason)
	}
}

// AwaitShutdown fans out across every tracked consumer concurrently, each
// polling IsShutdownComplete on its own goroutine until it reports true or
// ctx is done, so one slow consumer's drain never delays noticing that the
// others have already finished. ShardConsumer exposes no blocking
// completion signal, only the poll, so pollInterval bounds how quickly a
// finished consumer is noticed.
func (r *Registry) AwaitShutdown(ctx context.Context, pollInterval time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range r.byKey {
		e := e
		g.Go(func() error {
			ticker := time.NewTicker(pollInterval)
			defer ticker.Stop()
			for {
				if e.consumer.IsShutdownComplete() {
					return nil
				}
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}
