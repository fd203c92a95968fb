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

package cleanup

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shardstream/coordinator/internal/leasestore"
	"github.com/shardstream/coordinator/internal/model"
	"github.com/shardstream/coordinator/internal/source"
)

type fakeStore struct {
	mu      sync.Mutex
	leases  map[string]model.Lease
	deleted []string
}

func newFakeStore(leases ...model.Lease) *fakeStore {
	s := &fakeStore{leases: make(map[string]model.Lease)}
	for _, l := range leases {
		s.leases[l.Key] = l
	}
	return s
}

func (s *fakeStore) ListLeases(ctx context.Context) ([]model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, l)
	}
	return out, nil
}

func (s *fakeStore) GetLease(ctx context.Context, key string) (model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[key]
	if !ok {
		return model.Lease{}, leasestore.ErrNotFound
	}
	return l, nil
}

func (s *fakeStore) CreateLeaseIfNotExists(ctx context.Context, lease model.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leases[lease.Key]; ok {
		return nil
	}
	s.leases[lease.Key] = lease
	return nil
}

func (s *fakeStore) DeleteLease(ctx context.Context, lease model.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, lease.Key)
	s.deleted = append(s.deleted, lease.Key)
	return nil
}

func (s *fakeStore) UpdateLeaseWithMetaInfo(ctx context.Context, lease model.Lease, field leasestore.MetaField) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[lease.Key] = lease
	return nil
}

func (s *fakeStore) RenewLease(ctx context.Context, lease model.Lease) error { return nil }

func (s *fakeStore) TakeLease(ctx context.Context, lease model.Lease, newOwner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease.Owner = newOwner
	s.leases[lease.Key] = lease
	return nil
}

// fakeSource reports a fixed set of child shards, or ErrResourceNotFound if
// notFound is set.
type fakeSource struct {
	children []model.ShardDescriptor
	notFound bool
}

func (s *fakeSource) ListShards(ctx context.Context, stream model.StreamIdentifier) ([]model.ShardDescriptor, error) {
	return nil, nil
}

func (s *fakeSource) GetShardIterator(ctx context.Context, stream model.StreamIdentifier, shardID string, iterType source.IteratorType, seq string) (string, error) {
	if s.notFound {
		return "", source.ErrResourceNotFound
	}
	return "iter", nil
}

func (s *fakeSource) GetRecords(ctx context.Context, iteratorToken string, limit int) (source.GetRecordsResult, error) {
	if s.notFound {
		return source.GetRecordsResult{}, source.ErrResourceNotFound
	}
	return source.GetRecordsResult{ChildShards: s.children}, nil
}

func baseConfig() Config {
	return Config{
		CleanupIntervalMillis:               1,
		CompletedLeaseCleanupIntervalMillis: 0,
		GarbageLeaseCleanupIntervalMillis:   0,
		CleanupLeasesUponShardCompletion:    true,
		MaxFutureWait:                       time.Second,
	}
}

var stream = model.SingleStream("s")

// A completed lease is deleted only once every parent lease is absent
// and every child lease is past its initial position.
func TestCleanupLeaseCompletedLineage(t *testing.T) {
	childLease := model.Lease{Key: "child-0", Checkpoint: model.Sequence("500", 0), StreamIdentifier: stream}
	parentLease := model.Lease{
		Key:              "parent-0",
		Checkpoint:       model.ShardEnd(),
		ChildShardIDs:    []string{"child-0"},
		StreamIdentifier: stream,
	}
	store := newFakeStore(childLease, parentLease)
	src := &fakeSource{}
	mgr := New(zap.NewNop(), baseConfig(), store, src)

	entry := LeasePendingDeletion{StreamIdentifier: stream, Lease: parentLease, Shard: model.ShardInfo{ShardID: "parent-0"}}
	completedDone, garbageDone, err := mgr.cleanupLease(context.Background(), entry, true, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !completedDone || garbageDone {
		t.Fatalf("expected completed cleanup, got completed=%v garbage=%v", completedDone, garbageDone)
	}
	if _, err := store.GetLease(context.Background(), "parent-0"); err == nil {
		t.Fatalf("expected parent lease to be deleted")
	}
}

// A completed lease must NOT be reaped while a child is still at its
// initial position.
func TestCleanupLeaseBlockedByChildAtInitialPosition(t *testing.T) {
	childLease := model.Lease{Key: "child-0", Checkpoint: model.TrimHorizon(), StreamIdentifier: stream}
	parentLease := model.Lease{
		Key:              "parent-0",
		Checkpoint:       model.ShardEnd(),
		ChildShardIDs:    []string{"child-0"},
		StreamIdentifier: stream,
	}
	store := newFakeStore(childLease, parentLease)
	src := &fakeSource{}
	mgr := New(zap.NewNop(), baseConfig(), store, src)

	entry := LeasePendingDeletion{StreamIdentifier: stream, Lease: parentLease, Shard: model.ShardInfo{ShardID: "parent-0"}}
	completedDone, _, err := mgr.cleanupLease(context.Background(), entry, true, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completedDone {
		t.Fatalf("expected cleanup to be blocked by child at initial position")
	}
	if _, err := store.GetLease(context.Background(), "parent-0"); err != nil {
		t.Fatalf("expected parent lease to remain")
	}
}

// A completed lease must NOT be reaped while its own parent lease is still
// present.
func TestCleanupLeaseBlockedByLiveParent(t *testing.T) {
	grandparent := model.Lease{Key: "grandparent-0", StreamIdentifier: stream}
	lease := model.Lease{
		Key:              "shard-0",
		Checkpoint:       model.ShardEnd(),
		ParentShardIDs:   []string{"grandparent-0"},
		ChildShardIDs:    []string{},
		StreamIdentifier: stream,
	}
	store := newFakeStore(grandparent, lease)
	src := &fakeSource{}
	mgr := New(zap.NewNop(), baseConfig(), store, src)

	entry := LeasePendingDeletion{StreamIdentifier: stream, Lease: lease, Shard: model.ShardInfo{ShardID: "shard-0"}}
	completedDone, _, err := mgr.cleanupLease(context.Background(), entry, true, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completedDone {
		t.Fatalf("expected cleanup to be blocked while parent lease is live")
	}
}

// A lease is garbage-reaped only on positive ResourceNotFound evidence.
func TestCleanupLeaseGarbageReap(t *testing.T) {
	lease := model.Lease{Key: "shard-0", StreamIdentifier: stream}
	store := newFakeStore(lease)
	src := &fakeSource{notFound: true}
	cfg := baseConfig()
	cfg.CleanupLeasesUponShardCompletion = false
	mgr := New(zap.NewNop(), cfg, store, src)

	entry := LeasePendingDeletion{StreamIdentifier: stream, Lease: lease, Shard: model.ShardInfo{ShardID: "shard-0"}}
	completedDone, garbageDone, err := mgr.cleanupLease(context.Background(), entry, false, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completedDone || !garbageDone {
		t.Fatalf("expected garbage cleanup, got completed=%v garbage=%v", completedDone, garbageDone)
	}
	if _, err := store.GetLease(context.Background(), "shard-0"); err == nil {
		t.Fatalf("expected lease to be deleted")
	}
}

// A lease with no ResourceNotFound evidence is never garbage-reaped.
func TestCleanupLeaseNoGarbageWithoutEvidence(t *testing.T) {
	lease := model.Lease{Key: "shard-0", StreamIdentifier: stream}
	store := newFakeStore(lease)
	src := &fakeSource{}
	cfg := baseConfig()
	cfg.CleanupLeasesUponShardCompletion = false
	mgr := New(zap.NewNop(), cfg, store, src)

	entry := LeasePendingDeletion{StreamIdentifier: stream, Lease: lease, Shard: model.ShardInfo{ShardID: "shard-0"}}
	_, garbageDone, err := mgr.cleanupLease(context.Background(), entry, false, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if garbageDone {
		t.Fatalf("expected no garbage cleanup without ResourceNotFound evidence")
	}
	if _, err := store.GetLease(context.Background(), "shard-0"); err != nil {
		t.Fatalf("expected lease to remain")
	}
}

func TestEnqueueDeduplicatesByValue(t *testing.T) {
	store := newFakeStore()
	mgr := New(zap.NewNop(), baseConfig(), store, &fakeSource{})

	entry := LeasePendingDeletion{StreamIdentifier: stream, Lease: model.Lease{Key: "shard-0"}}
	if err := mgr.Enqueue(entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mgr.Enqueue(entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mgr.QueueLen() != 1 {
		t.Fatalf("expected duplicate enqueue to be rejected, queue len = %d", mgr.QueueLen())
	}
}

func TestEnqueueRejectsEmptyKey(t *testing.T) {
	store := newFakeStore()
	mgr := New(zap.NewNop(), baseConfig(), store, &fakeSource{})

	if err := mgr.Enqueue(LeasePendingDeletion{StreamIdentifier: stream}); err != ErrNullLease {
		t.Fatalf("expected ErrNullLease, got %v", err)
	}
}
