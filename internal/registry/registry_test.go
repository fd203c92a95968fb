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

package registry

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shardstream/coordinator/internal/consumer"
	"github.com/shardstream/coordinator/internal/model"
)

type fakeConsumer struct {
	shard        model.ShardInfo
	shutdownReqs []consumer.ShutdownReason
	shutdownDone bool
}

func (f *fakeConsumer) RequestShutdown(reason consumer.ShutdownReason) {
	f.shutdownReqs = append(f.shutdownReqs, reason)
}

func (f *fakeConsumer) IsShutdownComplete() bool { return f.shutdownDone }

func newCountingFactory() (consumer.Factory, *int) {
	calls := 0
	factory := func(shard model.ShardInfo, lease model.Lease) consumer.ShardConsumer {
		calls++
		return &fakeConsumer{shard: shard}
	}
	return factory, &calls
}

func shard(id, token string) model.ShardInfo {
	return model.ShardInfo{ShardID: id, ConcurrencyToken: token, StreamIdentifier: model.SingleStream("s")}
}

// Exactly one consumer instance is constructed per identity.
func TestCreateOrGetIdempotent(t *testing.T) {
	factory, calls := newCountingFactory()
	r := New(zap.NewNop(), factory)

	s := shard("shard-0", "ct1")
	c1 := r.CreateOrGet(s, model.Lease{})
	c2 := r.CreateOrGet(s, model.Lease{})
	c3 := r.CreateOrGet(s, model.Lease{})

	if c1 != c2 || c2 != c3 {
		t.Fatalf("expected same consumer instance across calls")
	}
	if *calls != 1 {
		t.Fatalf("expected factory invoked once, got %d", *calls)
	}
}

// Differing concurrency tokens produce distinct consumers.
func TestCreateOrGetDistinctTenancies(t *testing.T) {
	factory, calls := newCountingFactory()
	r := New(zap.NewNop(), factory)

	c1 := r.CreateOrGet(shard("shard-0", "ct1"), model.Lease{})
	c2 := r.CreateOrGet(shard("shard-0", "ct2"), model.Lease{})
	c3 := r.CreateOrGet(shard("shard-0", "ct1"), model.Lease{})

	if c1 == c2 {
		t.Fatalf("expected distinct consumers for differing concurrency tokens")
	}
	if c1 != c3 {
		t.Fatalf("expected repeat call with ct1 to return original consumer")
	}
	if *calls != 2 {
		t.Fatalf("expected factory invoked twice, got %d", *calls)
	}
}

// retireAbsent requests shutdown only for identities missing from the
// active set.
func TestRetireAbsent(t *testing.T) {
	factory, _ := newCountingFactory()
	r := New(zap.NewNop(), factory)

	c1 := r.CreateOrGet(shard("shard-0", "ct1"), model.Lease{}).(*fakeConsumer)
	c2 := r.CreateOrGet(shard("shard-0", "ct2"), model.Lease{}).(*fakeConsumer)
	c3 := r.CreateOrGet(shard("shard-1", "ct1"), model.Lease{}).(*fakeConsumer)

	active := map[model.ConsumerIdentity]struct{}{
		shard("shard-0", "ct1").Identity(): {},
		shard("shard-1", "ct1").Identity(): {},
	}
	r.RetireAbsent(active)

	if len(c1.shutdownReqs) != 0 {
		t.Fatalf("shard-0/ct1 should not have been retired")
	}
	if len(c3.shutdownReqs) != 0 {
		t.Fatalf("shard-1/ct1 should not have been retired")
	}
	if len(c2.shutdownReqs) != 1 || c2.shutdownReqs[0] != consumer.ShutdownRequested {
		t.Fatalf("shard-0/ct2 should have been requested to shut down exactly once, got %v", c2.shutdownReqs)
	}
}

func TestSweepFinishedRemovesCompleted(t *testing.T) {
	factory, _ := newCountingFactory()
	r := New(zap.NewNop(), factory)

	c := r.CreateOrGet(shard("shard-0", "ct1"), model.Lease{}).(*fakeConsumer)
	if r.Len() != 1 {
		t.Fatalf("expected 1 tracked consumer")
	}

	r.SweepFinished()
	if r.Len() != 1 {
		t.Fatalf("expected consumer to remain tracked until shutdown completes")
	}

	c.shutdownDone = true
	done := r.SweepFinished()
	if len(done) != 1 {
		t.Fatalf("expected sweep to report the finished identity")
	}
	if r.Len() != 0 {
		t.Fatalf("expected registry to be empty after sweep")
	}
}

// AwaitShutdown must return once every tracked consumer completes, even
// when one finishes well after the others, and must not block the caller
// any longer than the slowest one takes.
func TestAwaitShutdownWaitsForEveryConsumer(t *testing.T) {
	factory, _ := newCountingFactory()
	r := New(zap.NewNop(), factory)

	c1 := r.CreateOrGet(shard("shard-0", "ct1"), model.Lease{}).(*fakeConsumer)
	c2 := r.CreateOrGet(shard("shard-1", "ct1"), model.Lease{}).(*fakeConsumer)

	go func() {
		time.Sleep(20 * time.Millisecond)
		c1.shutdownDone = true
		time.Sleep(20 * time.Millisecond)
		c2.shutdownDone = true
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.AwaitShutdown(ctx, 5*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AwaitShutdown must report an error rather than hang forever when a
// consumer never finishes shutting down within the caller's deadline.
func TestAwaitShutdownRespectsDeadline(t *testing.T) {
	factory, _ := newCountingFactory()
	r := New(zap.NewNop(), factory)
	r.CreateOrGet(shard("shard-0", "ct1"), model.Lease{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.AwaitShutdown(ctx, 5*time.Millisecond); err == nil {
		t.Fatal("expected an error once the deadline elapses with a consumer still running")
	}
}
