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

// Package cleanup implements the LeaseCleanupManager: a scheduled task
// draining a FIFO queue of completed/garbage shard leases, deleting them
// once lineage and garbage-evidence rules allow it. Entries that aren't
// ready yet are re-enqueued for a later tick rather than dropped.
package cleanup

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shardstream/coordinator/internal/asyncutil"
	"github.com/shardstream/coordinator/internal/errkind"
	"github.com/shardstream/coordinator/internal/leasestore"
	"github.com/shardstream/coordinator/internal/model"
	"github.com/shardstream/coordinator/internal/source"
)

// ErrNullLease is returned by Enqueue when the entry carries no lease.
// Rejecting at the boundary keeps the cleanup tick from ever seeing an
// empty lease key.
var ErrNullLease = errors.New("cleanup: nil lease in LeasePendingDeletion")

// LeasePendingDeletion is one entry in the deletion queue: the shard's
// lease plus enough context (stream, shard descriptor) to drive both the
// completed-shard and garbage-shard cleanup paths.
type LeasePendingDeletion struct {
	StreamIdentifier model.StreamIdentifier
	Lease            model.Lease
	Shard            model.ShardInfo
}

func (d LeasePendingDeletion) key() string {
	return d.StreamIdentifier.Serialize() + "|" + d.Lease.Key
}

// Equal reports value equality, used to deduplicate re-enqueues.
func (d LeasePendingDeletion) Equal(o LeasePendingDeletion) bool {
	return d.key() == o.key()
}

// Config holds the manager's cadence and feature knobs.
type Config struct {
	CleanupIntervalMillis               int64
	CompletedLeaseCleanupIntervalMillis int64
	GarbageLeaseCleanupIntervalMillis   int64
	CleanupLeasesUponShardCompletion    bool
	MaxFutureWait                       time.Duration
}

// stopwatch is a minimal "has at least this much time elapsed since the
// last reset" gate, used for the two independent cadences the manager runs.
type stopwatch struct {
	interval time.Duration
	last     time.Time
}

func newStopwatch(interval time.Duration) *stopwatch {
	return &stopwatch{interval: interval, last: time.Now()}
}

func (s *stopwatch) elapsed() bool {
	return time.Since(s.last) >= s.interval
}

func (s *stopwatch) reset() {
	s.last = time.Now()
}

// Manager is the LeaseCleanupManager.
type Manager struct {
	lg      *zap.Logger
	cfg     Config
	store   leasestore.LeaseStore
	src     source.StreamSource
	stopper *asyncutil.GoroutineStopper

	completedGate *stopwatch
	garbageGate   *stopwatch

	mu    sync.Mutex
	queue *list.List // of LeasePendingDeletion
}

func New(lg *zap.Logger, cfg Config, store leasestore.LeaseStore, src source.StreamSource) *Manager {
	return &Manager{
		lg:            lg,
		cfg:           cfg,
		store:         store,
		src:           src,
		stopper:       &asyncutil.GoroutineStopper{},
		completedGate: newStopwatch(time.Duration(cfg.CompletedLeaseCleanupIntervalMillis) * time.Millisecond),
		garbageGate:   newStopwatch(time.Duration(cfg.GarbageLeaseCleanupIntervalMillis) * time.Millisecond),
		queue:         list.New(),
	}
}

// Enqueue admits a LeasePendingDeletion, deduplicated by value equality.
func (m *Manager) Enqueue(entry LeasePendingDeletion) error {
	if entry.Lease.Key == "" {
		return ErrNullLease
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for e := m.queue.Front(); e != nil; e = e.Next() {
		if e.Value.(LeasePendingDeletion).Equal(entry) {
			m.lg.Warn("duplicate LeasePendingDeletion rejected", zap.String("leaseKey", entry.Lease.Key))
			return nil
		}
	}
	m.queue.PushBack(entry)
	return nil
}

// Start launches the cleanup tick on its own scheduled loop.
func (m *Manager) Start(ctx context.Context) {
	interval := time.Duration(m.cfg.CleanupIntervalMillis) * time.Millisecond
	m.stopper.Wrap(func(ctx context.Context) {
		asyncutil.SequenceTickerLoop(ctx, m.lg, interval, "lease cleanup manager exit", func(ctx context.Context) error {
			m.cleanupLeases(ctx)
			return nil
		})
	})
}

// Stop halts the cleanup tick.
func (m *Manager) Stop() {
	m.stopper.Close()
}

// cleanupLeases is the tick body.
func (m *Manager) cleanupLeases(ctx context.Context) {
	m.mu.Lock()
	if m.queue.Len() == 0 {
		m.mu.Unlock()
		return
	}
	completedElapsed := m.completedGate.elapsed()
	garbageElapsed := m.garbageGate.elapsed()
	if !completedElapsed && !garbageElapsed {
		m.mu.Unlock()
		return
	}
	drained := make([]LeasePendingDeletion, 0, m.queue.Len())
	for e := m.queue.Front(); e != nil; e = e.Next() {
		drained = append(drained, e.Value.(LeasePendingDeletion))
	}
	m.queue.Init()
	m.mu.Unlock()
	var (
		resultMu         sync.Mutex
		cleanedCompleted bool
		cleanedGarbage   bool
	)
	// Each entry's lineage/garbage check is an independent read-mostly
	// operation against the lease store, so fan them out instead of
	// draining the queue one lease at a time.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cleanupFanout)
	for _, entry := range drained {
		entry := entry
		g.Go(func() error {
			completedDone, garbageDone, err := m.cleanupLease(gctx, entry, completedElapsed, garbageElapsed)
			if err != nil {
				m.lg.Warn("cleanupLease failed, re-enqueuing", zap.String("leaseKey", entry.Lease.Key), zap.Error(err))
				m.mu.Lock()
				m.queue.PushBack(entry)
				m.mu.Unlock()
				return nil
			}
			if !completedDone && !garbageDone {
				// Not yet eligible (live parent, child still at its initial
				// position, or no ResourceNotFound evidence yet): keep the
				// entry for a later tick rather than losing it.
				m.mu.Lock()
				m.queue.PushBack(entry)
				m.mu.Unlock()
				return nil
			}
			resultMu.Lock()
			cleanedCompleted = cleanedCompleted || completedDone
			cleanedGarbage = cleanedGarbage || garbageDone
			resultMu.Unlock()
			return nil
		})
	}
	g.Wait()
	if cleanedCompleted {
		m.completedGate.reset()
	}
	if cleanedGarbage {
		m.garbageGate.reset()
	}
}

// cleanupFanout bounds how many leases are checked concurrently per tick.
const cleanupFanout = 8

// cleanupLease implements the completed/garbage cleanup decision tree: a
// lease is deleted via the completed-lineage path when enabled and due, or
// via the garbage-evidence path once a ResourceNotFound probe confirms the
// shard is gone.
func (m *Manager) cleanupLease(ctx context.Context, entry LeasePendingDeletion, completedElapsed, garbageElapsed bool) (cleanedCompleted, cleanedGarbage bool, err error) {
	lease := entry.Lease
	if m.cfg.CleanupLeasesUponShardCompletion && completedElapsed {
		done, garbage, err := m.tryCompletedCleanup(ctx, entry)
		if garbage {
			// Resource-not-found during the child-shard probe: fall through
			// to the garbage path below instead of the completed path.
		} else if err != nil {
			return false, false, err
		} else if done {
			return true, false, nil
		} else {
			return false, false, nil
		}
	}
	if garbageElapsed {
		// No cached negative here: a shard that isn't gone on this probe may
		// genuinely disappear from the source later, and the garbage gate
		// interval already rate-limits how often we probe.
		gone, err := m.probeGarbage(ctx, entry)
		if err != nil {
			return false, false, err
		}
		if gone {
			if err := m.store.DeleteLease(ctx, lease); err != nil {
				return false, false, err
			}
			return false, true, nil
		}
	}
	return false, false, nil
}

// tryCompletedCleanup attempts the lineage-gated completed-shard reap. Its
// second return value is true iff the source probe for child shards hit
// ResourceNotFound, signalling the caller should treat this as a garbage
// shard instead.
func (m *Manager) tryCompletedCleanup(ctx context.Context, entry LeasePendingDeletion) (done bool, garbage bool, err error) {
	lease := entry.Lease
	if lease.ChildShardIDs == nil {
		children, probeErr := m.discoverChildShards(ctx, entry)
		if probeErr != nil {
			if errkind.Classify(probeErr) == errkind.ResourceNotFound {
				return false, true, nil
			}
			return false, false, probeErr
		}
		lease.ChildShardIDs = children
		if err := m.store.UpdateLeaseWithMetaInfo(ctx, lease, leasestore.FieldChildShards); err != nil {
			return false, false, err
		}
	}
	// Lease parent entries are already lease keys (see syncmanager's
	// SyncShards), like ChildShardIDs below.
	for _, parentKey := range lease.ParentShardIDs {
		if _, err := m.store.GetLease(ctx, parentKey); err == nil {
			// Parent lease still present: not safe to reap yet.
			return false, false, nil
		} else if !errors.Is(err, leasestore.ErrNotFound) {
			return false, false, err
		}
	}
	for _, childKey := range lease.ChildShardIDs {
		childLease, err := m.store.GetLease(ctx, childKey)
		if err != nil {
			if errors.Is(err, leasestore.ErrNotFound) {
				return false, false, errors.Errorf("cleanup: child lease %s missing for completed parent %s", childKey, lease.Key)
			}
			return false, false, err
		}
		if childLease.Checkpoint.AtInitialPosition() {
			return false, false, nil
		}
	}
	if err := m.store.DeleteLease(ctx, lease); err != nil {
		return false, false, err
	}
	return true, false, nil
}

func (m *Manager) discoverChildShards(ctx context.Context, entry LeasePendingDeletion) ([]string, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if m.cfg.MaxFutureWait > 0 {
		callCtx, cancel = context.WithTimeout(ctx, m.cfg.MaxFutureWait)
		defer cancel()
	}
	iter, err := m.src.GetShardIterator(callCtx, entry.StreamIdentifier, entry.Shard.ShardID, source.IteratorLatest, "")
	if err != nil {
		return nil, err
	}
	res, err := m.src.GetRecords(callCtx, iter, 1)
	if err != nil {
		return nil, err
	}
	children := make([]string, 0, len(res.ChildShards))
	for _, c := range res.ChildShards {
		children = append(children, model.LeaseKey(entry.StreamIdentifier, c.ShardID))
	}
	return children, nil
}

// probeGarbage looks purely for ResourceNotFound evidence that the shard is
// gone from the source.
func (m *Manager) probeGarbage(ctx context.Context, entry LeasePendingDeletion) (bool, error) {
	_, err := m.discoverChildShards(ctx, entry)
	if err == nil {
		return false, nil
	}
	if errkind.Classify(err) == errkind.ResourceNotFound {
		return true, nil
	}
	return false, err
}

// QueueLen reports the current queue depth, mainly for tests.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}