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

// Package consumer defines the ShardConsumer collaborator: an opaque
// per-shard worker whose lifecycle the registry drives through
// RequestShutdown/IsShutdownComplete, plus one concrete polling
// implementation.
package consumer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shardstream/coordinator/internal/checkpoint"
	"github.com/shardstream/coordinator/internal/errkind"
	"github.com/shardstream/coordinator/internal/model"
	"github.com/shardstream/coordinator/internal/source"
)

// ShutdownReason classifies why a consumer's shutdown was requested, so it
// can decide whether to enqueue its lease for cleanup on exit.
type ShutdownReason int

const (
	ShutdownNone                  ShutdownReason = iota
	ShutdownRequested                            // lease lost or reassigned elsewhere
	ShutdownReasonShardEnd                       // shard fully consumed, split/merge child
	ShutdownReasonZombieLeaseLost                // owner no longer matches this worker
)

func (r ShutdownReason) String() string {
	switch r {
	case ShutdownRequested:
		return "REQUESTED"
	case ShutdownReasonShardEnd:
		return "SHARD_END"
	case ShutdownReasonZombieLeaseLost:
		return "ZOMBIE_LEASE_LOST"
	default:
		return "NONE"
	}
}

// state is the internal per-consumer stage, kept for bookkeeping only.
// Collaborators observe nothing but completion, which IsShutdownComplete
// reports from doneCh.
type state int32

const (
	stateWaitingOnParents state = iota
	stateInitializing
	stateProcessing
	stateShuttingDown
	stateShutdownComplete
)

// ShardEndNotifier is how a ShardConsumer hands a finished shard back to the
// cleanup manager's deletion queue, bridging "consumer observed shard-end or
// resource-not-found" into "lease pending deletion" without the consumer
// package depending on the cleanup manager's full Manager type.
type ShardEndNotifier interface {
	NotifyShardEnd(lease model.Lease, shard model.ShardInfo, stream model.StreamIdentifier)
	NotifyGarbage(lease model.Lease, shard model.ShardInfo, stream model.StreamIdentifier)
}

// ShardConsumer is the opaque per-shard worker the registry creates, tracks,
// and retires. Implementations run their own goroutine; RequestShutdown
// only signals; it does not block.
type ShardConsumer interface {
	RequestShutdown(reason ShutdownReason)
	IsShutdownComplete() bool
}

// Factory builds a ShardConsumer for a freshly-assigned shard. The registry
// calls this at most once per ConsumerIdentity.
type Factory func(shard model.ShardInfo, lease model.Lease) ShardConsumer

// PollingConsumer is the default ShardConsumer: a single goroutine that
// waits for parent shards to finish, acquires an iterator, polls GetRecords
// with backoff, and checkpoints as it goes until shard-end or shutdown.
type PollingConsumer struct {
	lg            *zap.Logger
	shard         model.ShardInfo
	lease         model.Lease
	stream        model.StreamIdentifier
	src           source.StreamSource
	ckpt          checkpoint.Checkpointer
	parentsDone   func(ctx context.Context, parentShardIDs []string) bool
	notifier      ShardEndNotifier
	pollInterval  time.Duration
	maxFutureWait time.Duration
	state         int32 // atomic state
	reason        int32 // atomic ShutdownReason
	shutdownCh    chan struct{}
	doneCh        chan struct{}
	closeOnce     sync.Once
}

// PollingConsumerConfig bundles PollingConsumer's dependencies, separate
// from the per-shard arguments Factory passes at creation time.
type PollingConsumerConfig struct {
	Logger        *zap.Logger
	Source        source.StreamSource
	Checkpointer  checkpoint.Checkpointer
	Notifier      ShardEndNotifier
	PollInterval  time.Duration
	MaxFutureWait time.Duration
	// ParentsDone reports whether every parent shard has reached SHARD_END,
	// consulted before the consumer begins reading its own shard. Supplied
	// by the caller because it needs a LeaseStore lookup the consumer
	// package does not otherwise depend on.
	ParentsDone func(ctx context.Context, parentShardIDs []string) bool
}

// NewFactory closes over shared dependencies and returns a Factory.
func NewFactory(cfg PollingConsumerConfig) Factory {
	return func(shard model.ShardInfo, lease model.Lease) ShardConsumer {
		c := &PollingConsumer{
			lg:            cfg.Logger,
			shard:         shard,
			lease:         lease,
			stream:        shard.StreamIdentifier,
			src:           cfg.Source,
			ckpt:          cfg.Checkpointer,
			parentsDone:   cfg.ParentsDone,
			notifier:      cfg.Notifier,
			pollInterval:  cfg.PollInterval,
			maxFutureWait: cfg.MaxFutureWait,
			shutdownCh:    make(chan struct{}),
			doneCh:        make(chan struct{}),
		}
		atomic.StoreInt32(&c.state, int32(stateWaitingOnParents))
		go c.run()
		return c
	}
}

func (c *PollingConsumer) RequestShutdown(reason ShutdownReason) {
	atomic.CompareAndSwapInt32(&c.reason, int32(ShutdownNone), int32(reason))
	c.closeOnce.Do(func() { close(c.shutdownCh) })
}

func (c *PollingConsumer) IsShutdownComplete() bool {
	select {
	case <-c.doneCh:
		return true
	default:
		return false
	}
}

func (c *PollingConsumer) run() {
	defer close(c.doneCh)
	ctx := context.Background()
	leaseKey := model.LeaseKey(c.stream, c.shard.ShardID)

	atomic.StoreInt32(&c.state, int32(stateWaitingOnParents))
	if !c.awaitParents(ctx) {
		return
	}

	atomic.StoreInt32(&c.state, int32(stateInitializing))
	iterType, startSeq := c.initialIteratorArgs()
	iterCtx := ctx
	var cancel context.CancelFunc
	if c.maxFutureWait > 0 {
		iterCtx, cancel = context.WithTimeout(ctx, c.maxFutureWait)
	}
	iterToken, err := c.src.GetShardIterator(iterCtx, c.stream, c.shard.ShardID, iterType, startSeq)
	if cancel != nil {
		cancel()
	}
	if err != nil {
		c.handleSourceErr(err)
		return
	}

	atomic.StoreInt32(&c.state, int32(stateProcessing))
	c.pollLoop(ctx, leaseKey, iterToken)
}

// awaitParents blocks (polling parentsDone on pollInterval) until every
// parent shard has reached SHARD_END, or shutdown is requested. Returns
// false if the consumer should exit without processing any records.
func (c *PollingConsumer) awaitParents(ctx context.Context) bool {
	if len(c.shard.ParentShardIDs) == 0 || c.parentsDone == nil {
		return true
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		if c.parentsDone(ctx, c.shard.ParentShardIDs) {
			return true
		}
		select {
		case <-c.shutdownCh:
			return false
		case <-ticker.C:
		}
	}
}

func (c *PollingConsumer) initialIteratorArgs() (source.IteratorType, string) {
	cp := c.lease.Checkpoint
	switch cp.Sentinel {
	case model.SentinelTrimHorizon:
		return source.IteratorTrimHorizon, ""
	case model.SentinelLatest, model.SentinelNone:
		return source.IteratorLatest, ""
	case model.SentinelAtTimestamp:
		return source.IteratorAtTimestamp, ""
	default:
		return source.IteratorAtSequenceNumber, cp.SequenceNumber
	}
}

// pollLoop is the get-records loop: poll, checkpoint, retry with backoff on
// throughput errors, and exit cleanly at shard end.
func (c *PollingConsumer) pollLoop(ctx context.Context, leaseKey, iterToken string) {
	backoff := c.pollInterval
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-c.shutdownCh:
			return
		default:
		}

		res, err := c.src.GetRecords(ctx, iterToken, 1000)
		if err != nil {
			if errkind.Classify(err) == errkind.ResourceNotFound {
				if c.notifier != nil {
					c.notifier.NotifyGarbage(c.lease, c.shard, c.stream)
				}
				return
			}
			c.lg.Warn("GetRecords failed, backing off",
				zap.String("shard", c.shard.ShardID), zap.Error(err), zap.Duration("backoff", backoff))
			if !c.sleepOrShutdown(backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = c.pollInterval

		if len(res.Records) > 0 {
			last := res.Records[len(res.Records)-1]
			seq := model.Sequence(last.SequenceNumber, last.SubSequence)
			if err := c.ckpt.Checkpoint(ctx, leaseKey, seq); err != nil {
				c.lg.Warn("checkpoint failed", zap.String("shard", c.shard.ShardID), zap.Error(err))
			}
		}

		if len(res.ChildShards) > 0 {
			if err := c.ckpt.Checkpoint(ctx, leaseKey, model.ShardEnd()); err != nil {
				c.lg.Warn("shard-end checkpoint failed", zap.String("shard", c.shard.ShardID), zap.Error(err))
			}
			if c.notifier != nil {
				c.notifier.NotifyShardEnd(c.lease, c.shard, c.stream)
			}
			return
		}

		iterToken = res.NextIteratorToken
		if !c.sleepOrShutdown(c.pollInterval) {
			return
		}
	}
}

func (c *PollingConsumer) sleepOrShutdown(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.shutdownCh:
		return false
	case <-t.C:
		return true
	}
}

func (c *PollingConsumer) handleSourceErr(err error) {
	if errkind.Classify(err) == errkind.ResourceNotFound && c.notifier != nil {
		c.notifier.NotifyGarbage(c.lease, c.shard, c.stream)
		return
	}
	c.lg.Warn("consumer init failed", zap.String("shard", c.shard.ShardID), zap.Error(err))
}
