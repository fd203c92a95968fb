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

// Package syncmanager implements the PeriodicShardSyncManager: a leader-only
// scheduled task that discovers shards at the source and creates any
// missing leases, run on a fixed-delay cadence so a slow discovery call
// never overlaps its successor. One ShardSyncTaskManager is kept per
// declared stream.
package syncmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shardstream/coordinator/internal/asyncutil"
	"github.com/shardstream/coordinator/internal/leader"
	"github.com/shardstream/coordinator/internal/leasestore"
	"github.com/shardstream/coordinator/internal/model"
	"github.com/shardstream/coordinator/internal/source"
)

// ShardSyncTaskManager discovers shards for one stream and creates leases
// for any shard not yet present in the lease table.
type ShardSyncTaskManager struct {
	lg       *zap.Logger
	stream   model.StreamIdentifier
	src      source.StreamSource
	store    leasestore.LeaseStore
	pos      model.InitialPosition
	inFlight atomic.Bool
}

func newTaskManager(lg *zap.Logger, cfg model.StreamConfig, src source.StreamSource, store leasestore.LeaseStore) *ShardSyncTaskManager {
	return &ShardSyncTaskManager{
		lg:     lg,
		stream: cfg.StreamIdentifier,
		src:    src,
		store:  store,
		pos:    cfg.InitialPosition,
	}
}

// SyncShards lists shards at the source and creates a lease for any shard
// that doesn't already have one, seeded at the stream's configured initial
// position (or TRIM_HORIZON if the shard has a parent, since a child shard
// should always start from its beginning once reachable).
func (t *ShardSyncTaskManager) SyncShards(ctx context.Context) error {
	descriptors, err := t.src.ListShards(ctx, t.stream)
	if err != nil {
		return errors.Wrapf(err, "list shards for stream %s", t.stream.Serialize())
	}
	existing, err := t.store.ListLeases(ctx)
	if err != nil {
		return errors.Wrap(err, "list leases")
	}
	have := make(map[string]struct{}, len(existing))
	for _, l := range existing {
		have[l.Key] = struct{}{}
	}
	for _, d := range descriptors {
		key := model.LeaseKey(t.stream, d.ShardID)
		if _, ok := have[key]; ok {
			continue
		}
		var parentKeys []string
		for _, p := range d.ParentShardIDs {
			parentKeys = append(parentKeys, model.LeaseKey(t.stream, p))
		}
		checkpoint := t.initialCheckpoint(len(d.ParentShardIDs) > 0)
		newLease := model.Lease{
			Key:              key,
			Checkpoint:       checkpoint,
			ParentShardIDs:   parentKeys,
			StreamIdentifier: t.stream,
		}
		if err := t.store.CreateLeaseIfNotExists(ctx, newLease); err != nil {
			return errors.Wrapf(err, "create lease %s", key)
		}
		t.lg.Info("created lease for discovered shard", zap.String("stream", t.stream.Serialize()), zap.String("shard", d.ShardID))
	}
	return nil
}

// trySyncShardsAsync starts SyncShards on its own goroutine unless a
// previous run is still in flight, in which case it does nothing and
// reports false. Used by the periodic sync tick, which must never block on
// a slow discovery call.
func (t *ShardSyncTaskManager) trySyncShardsAsync(ctx context.Context) bool {
	if !t.inFlight.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer t.inFlight.Store(false)
		if err := t.SyncShards(ctx); err != nil {
			t.lg.Warn("periodic shard sync failed", zap.String("stream", t.stream.Serialize()), zap.Error(err))
		}
	}()
	return true
}

func (t *ShardSyncTaskManager) initialCheckpoint(hasParent bool) model.ExtendedSequenceNumber {
	if hasParent {
		return model.TrimHorizon()
	}
	switch t.pos.Kind {
	case model.InitialPositionTrimHorizon:
		return model.TrimHorizon()
	case model.InitialPositionAtTimestamp:
		return model.AtTimestamp()
	default:
		return model.Latest()
	}
}

// Manager is the PeriodicShardSyncManager.
type Manager struct {
	lg           *zap.Logger
	workerID     string
	decider      leader.LeaderDecider
	src          source.StreamSource
	store        leasestore.LeaseStore
	initialDelay time.Duration
	interval     time.Duration
	stopper      *asyncutil.GoroutineStopper

	mu    sync.Mutex
	tasks map[string]*ShardSyncTaskManager // keyed on stream.Serialize()
}

// New constructs a Manager. initialDelay is how long Start waits before its
// first periodic tick; interval is the cadence between every tick after
// that, matching the distinction between a worker's startup grace period
// and its steady-state discovery cadence.
func New(lg *zap.Logger, workerID string, decider leader.LeaderDecider, src source.StreamSource, store leasestore.LeaseStore, initialDelay, interval time.Duration) *Manager {
	return &Manager{
		lg:           lg,
		workerID:     workerID,
		decider:      decider,
		src:          src,
		store:        store,
		initialDelay: initialDelay,
		interval:     interval,
		stopper:      &asyncutil.GoroutineStopper{},
		tasks:        make(map[string]*ShardSyncTaskManager),
	}
}

// EnsureStream returns the ShardSyncTaskManager for cfg's stream, creating
// and registering one if this is the first time it's been seen. Used by the
// Scheduler's multi-stream reconciliation to fold a newly declared stream
// into the manager's regular periodic coverage at the same moment it
// performs that stream's first sync.
func (m *Manager) EnsureStream(cfg model.StreamConfig) *ShardSyncTaskManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cfg.StreamIdentifier.Serialize()
	if t, ok := m.tasks[key]; ok {
		return t
	}
	t := newTaskManager(m.lg, cfg, m.src, m.store)
	m.tasks[key] = t
	return t
}

// RemoveStream drops a stream from periodic coverage, used once its
// deferred-deletion drain sync has completed.
func (m *Manager) RemoveStream(streamKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, streamKey)
}

// SyncStream runs one synchronous discovery pass for a single tracked
// stream, used by the Scheduler's multi-stream reconciliation for the drain
// sync of a stream whose deferred-deletion period has expired.
func (m *Manager) SyncStream(ctx context.Context, streamKey string) error {
	m.mu.Lock()
	t, ok := m.tasks[streamKey]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("sync manager: stream %s not tracked", streamKey)
	}
	return t.SyncShards(ctx)
}

// Start launches the discovery loop: it waits initialDelay before the first
// tick, then falls back to the steady-state interval for every tick after.
func (m *Manager) Start(ctx context.Context) {
	m.stopper.Wrap(func(ctx context.Context) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.initialDelay):
		}
		asyncutil.SequenceTickerLoop(ctx, m.lg, m.interval, "periodic shard sync manager exit", m.tick)
	})
}

// Stop halts the discovery loop.
func (m *Manager) Stop() {
	m.stopper.Close()
}

// tick is the periodic (leader-only) dispatch path. It never blocks waiting
// on a stream's discovery call: a stream whose task is still running from a
// previous tick is skipped with a warning rather than queued up behind it.
func (m *Manager) tick(ctx context.Context) error {
	isLeader, err := m.decider.IsLeader(ctx, m.workerID)
	if err != nil {
		return errors.Wrap(err, "leader check")
	}
	if !isLeader {
		return nil
	}
	m.mu.Lock()
	tasks := make([]*ShardSyncTaskManager, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	for _, t := range tasks {
		if !t.trySyncShardsAsync(ctx) {
			m.lg.Warn("shard sync still running from a previous tick, skipping", zap.String("stream", t.stream.Serialize()))
		}
	}
	return nil
}
