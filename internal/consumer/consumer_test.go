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

package consumer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shardstream/coordinator/internal/model"
	"github.com/shardstream/coordinator/internal/source"
)

// scriptedSource replays a fixed sequence of GetRecords outcomes, then keeps
// returning the last one.
type scriptedSource struct {
	mu      sync.Mutex
	results []source.GetRecordsResult
	errs    []error
	calls   int
}

func (s *scriptedSource) ListShards(ctx context.Context, stream model.StreamIdentifier) ([]model.ShardDescriptor, error) {
	return nil, nil
}

func (s *scriptedSource) GetShardIterator(ctx context.Context, stream model.StreamIdentifier, shardID string, iterType source.IteratorType, seq string) (string, error) {
	return "iter-0", nil
}

func (s *scriptedSource) GetRecords(ctx context.Context, iteratorToken string, limit int) (source.GetRecordsResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i], s.errs[i]
}

// recordingCheckpointer keeps every checkpoint written, in order.
type recordingCheckpointer struct {
	mu      sync.Mutex
	written []model.ExtendedSequenceNumber
}

func (c *recordingCheckpointer) GetCheckpoint(ctx context.Context, leaseKey string) (model.ExtendedSequenceNumber, error) {
	return model.ExtendedSequenceNumber{}, nil
}

func (c *recordingCheckpointer) Checkpoint(ctx context.Context, leaseKey string, cp model.ExtendedSequenceNumber) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, cp)
	return nil
}

func (c *recordingCheckpointer) last() (model.ExtendedSequenceNumber, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.written) == 0 {
		return model.ExtendedSequenceNumber{}, false
	}
	return c.written[len(c.written)-1], true
}

// recordingNotifier counts shard-end and garbage notifications.
type recordingNotifier struct {
	shardEnd atomic.Int32
	garbage  atomic.Int32
}

func (n *recordingNotifier) NotifyShardEnd(lease model.Lease, shard model.ShardInfo, stream model.StreamIdentifier) {
	n.shardEnd.Add(1)
}

func (n *recordingNotifier) NotifyGarbage(lease model.Lease, shard model.ShardInfo, stream model.StreamIdentifier) {
	n.garbage.Add(1)
}

func awaitDone(t *testing.T, c ShardConsumer) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !c.IsShutdownComplete() {
		if time.Now().After(deadline) {
			t.Fatal("consumer never finished shutting down")
		}
		time.Sleep(time.Millisecond)
	}
}

func testShard() (model.ShardInfo, model.Lease) {
	stream := model.SingleStream("s")
	shard := model.ShardInfo{
		ShardID:          "shard-0",
		ConcurrencyToken: "ct1",
		Checkpoint:       model.TrimHorizon(),
		StreamIdentifier: stream,
	}
	lease := model.Lease{
		Key:              model.LeaseKey(stream, shard.ShardID),
		Checkpoint:       model.TrimHorizon(),
		StreamIdentifier: stream,
	}
	return shard, lease
}

func TestConsumerShardEndCheckpointsAndNotifies(t *testing.T) {
	src := &scriptedSource{
		results: []source.GetRecordsResult{
			{Records: []source.Record{{SequenceNumber: "1000"}}, NextIteratorToken: "iter-1"},
			{ChildShards: []model.ShardDescriptor{{ShardID: "child-0", ParentShardIDs: []string{"shard-0"}}}},
		},
		errs: []error{nil, nil},
	}
	ckpt := &recordingCheckpointer{}
	notifier := &recordingNotifier{}
	factory := NewFactory(PollingConsumerConfig{
		Logger:       zap.NewNop(),
		Source:       src,
		Checkpointer: ckpt,
		Notifier:     notifier,
		PollInterval: time.Millisecond,
	})

	shard, lease := testShard()
	c := factory(shard, lease)
	awaitDone(t, c)

	if got := notifier.shardEnd.Load(); got != 1 {
		t.Fatalf("expected exactly one shard-end notification, got %d", got)
	}
	if got := notifier.garbage.Load(); got != 0 {
		t.Fatalf("expected no garbage notification, got %d", got)
	}
	last, ok := ckpt.last()
	if !ok || !last.IsShardEnd() {
		t.Fatalf("expected final checkpoint to be SHARD_END, got %v (ok=%v)", last, ok)
	}
}

func TestConsumerGarbageShardNotifies(t *testing.T) {
	src := &scriptedSource{
		results: []source.GetRecordsResult{{}},
		errs:    []error{source.ErrResourceNotFound},
	}
	notifier := &recordingNotifier{}
	factory := NewFactory(PollingConsumerConfig{
		Logger:       zap.NewNop(),
		Source:       src,
		Checkpointer: &recordingCheckpointer{},
		Notifier:     notifier,
		PollInterval: time.Millisecond,
	})

	shard, lease := testShard()
	c := factory(shard, lease)
	awaitDone(t, c)

	if got := notifier.garbage.Load(); got != 1 {
		t.Fatalf("expected exactly one garbage notification, got %d", got)
	}
	if got := notifier.shardEnd.Load(); got != 0 {
		t.Fatalf("expected no shard-end notification, got %d", got)
	}
}

func TestConsumerRequestShutdownStopsPolling(t *testing.T) {
	src := &scriptedSource{
		results: []source.GetRecordsResult{{NextIteratorToken: "iter-1"}},
		errs:    []error{nil},
	}
	factory := NewFactory(PollingConsumerConfig{
		Logger:       zap.NewNop(),
		Source:       src,
		Checkpointer: &recordingCheckpointer{},
		PollInterval: time.Millisecond,
	})

	shard, lease := testShard()
	c := factory(shard, lease)
	c.RequestShutdown(ShutdownRequested)
	awaitDone(t, c)

	// RequestShutdown is idempotent.
	c.RequestShutdown(ShutdownRequested)
	if !c.IsShutdownComplete() {
		t.Fatal("expected consumer to stay shut down")
	}
}

func TestConsumerWaitsForParents(t *testing.T) {
	var parentsReady atomic.Bool
	src := &scriptedSource{
		results: []source.GetRecordsResult{
			{ChildShards: []model.ShardDescriptor{{ShardID: "child-0"}}},
		},
		errs: []error{nil},
	}
	ckpt := &recordingCheckpointer{}
	factory := NewFactory(PollingConsumerConfig{
		Logger:       zap.NewNop(),
		Source:       src,
		Checkpointer: ckpt,
		Notifier:     &recordingNotifier{},
		PollInterval: time.Millisecond,
		ParentsDone: func(ctx context.Context, parentShardIDs []string) bool {
			return parentsReady.Load()
		},
	})

	shard, lease := testShard()
	shard.ParentShardIDs = []string{"parent-0"}
	c := factory(shard, lease)

	time.Sleep(20 * time.Millisecond)
	src.mu.Lock()
	calls := src.calls
	src.mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected no GetRecords calls while parents are unfinished, got %d", calls)
	}
	if c.IsShutdownComplete() {
		t.Fatal("consumer should still be waiting on parents")
	}

	parentsReady.Store(true)
	awaitDone(t, c)
}
