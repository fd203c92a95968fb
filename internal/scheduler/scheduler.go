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

// Package scheduler implements the Scheduler: the worker-local control loop
// tying the lease coordinator, the ShardConsumerRegistry, the
// PeriodicShardSyncManager and the LeaseCleanupManager together, plus the
// multi-stream lifecycle reconciliation and the async error classifier.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shardstream/coordinator/internal/checkpoint"
	"github.com/shardstream/coordinator/internal/cleanup"
	"github.com/shardstream/coordinator/internal/consumer"
	"github.com/shardstream/coordinator/internal/errkind"
	"github.com/shardstream/coordinator/internal/leader"
	"github.com/shardstream/coordinator/internal/leasestore"
	"github.com/shardstream/coordinator/internal/model"
	"github.com/shardstream/coordinator/internal/registry"
	"github.com/shardstream/coordinator/internal/source"
	"github.com/shardstream/coordinator/internal/syncmanager"
	"github.com/shardstream/coordinator/internal/worker"
)

// Tracker returns the currently declared set of streams. Single-stream
// deployments are modeled as a Tracker whose list never changes.
type Tracker interface {
	StreamConfigList(ctx context.Context) ([]model.StreamConfig, error)
}

// StaticTracker implements Tracker for single-stream mode.
type StaticTracker struct {
	Config model.StreamConfig
}

func (t StaticTracker) StreamConfigList(ctx context.Context) ([]model.StreamConfig, error) {
	return []model.StreamConfig{t.Config}, nil
}

// Config bundles the Scheduler's tunables.
type Config struct {
	WorkerID                        string
	ParentShardPollInterval         time.Duration
	MaxInitializationAttempts       int
	OldStreamDeferredDeletionPeriod time.Duration

	LeaseCleanupIntervalMillis          int64
	CompletedLeaseCleanupIntervalMillis int64
	GarbageLeaseCleanupIntervalMillis   int64
	CleanupLeasesUponShardCompletion    bool
	MaxFutureWait                       time.Duration

	PeriodicShardSyncInterval time.Duration
	InitialDelay              time.Duration
}

// Scheduler is the top-level worker loop.
type Scheduler struct {
	lg         *zap.Logger
	cfg        Config
	tracker    Tracker
	store      leasestore.LeaseStore
	src        source.StreamSource
	ckpt       checkpoint.Checkpointer
	leaseCoord *leaseCoordinator
	registry   *registry.Registry
	syncMgr    *syncmanager.Manager
	cleanupMgr *cleanup.Manager

	stateListener worker.StateChangeListener
	diagnostics   worker.DiagnosticsHandler
	asyncErrCh    chan error

	mu                     sync.Mutex
	state                  worker.State
	shutdownRequested      bool
	currentStreamConfigMap map[string]model.StreamConfig
	staleStreamDeletionMap map[string]time.Time
	buildConsumerCount     map[string]int // test hook: identity key -> times factory invoked
	consumerFactory        consumer.Factory
}

// Deps bundles the external collaborators the Scheduler is wired against.
type Deps struct {
	Logger        *zap.Logger
	Tracker       Tracker
	Store         leasestore.LeaseStore
	Source        source.StreamSource
	Checkpointer  checkpoint.Checkpointer
	LeaderDecider leader.LeaderDecider
	StateListener worker.StateChangeListener
	Diagnostics   worker.DiagnosticsHandler
	// ConsumerFactory may be nil at construction time and supplied later via
	// SetConsumerFactory; it commonly needs the Scheduler itself (as a
	// consumer.ShardEndNotifier), which does not exist until after New
	// returns.
	ConsumerFactory consumer.Factory
}

func New(cfg Config, deps Deps) *Scheduler {
	stateListener := deps.StateListener
	if stateListener == nil {
		stateListener = worker.LoggingStateChangeListener{Logger: deps.Logger}
	}
	diagnostics := deps.Diagnostics
	if diagnostics == nil {
		diagnostics = worker.NewCountingDiagnosticsHandler(nil)
	}
	s := &Scheduler{
		lg:                     deps.Logger,
		cfg:                    cfg,
		tracker:                deps.Tracker,
		store:                  deps.Store,
		src:                    deps.Source,
		ckpt:                   deps.Checkpointer,
		leaseCoord:             newLeaseCoordinator(deps.Logger, deps.Store, cfg.WorkerID),
		stateListener:          stateListener,
		diagnostics:            diagnostics,
		asyncErrCh:             make(chan error, 64),
		currentStreamConfigMap: make(map[string]model.StreamConfig),
		staleStreamDeletionMap: make(map[string]time.Time),
		buildConsumerCount:     make(map[string]int),
		consumerFactory:        deps.ConsumerFactory,
	}
	s.registry = registry.New(deps.Logger, s.dynamicFactory)
	s.syncMgr = syncmanager.New(deps.Logger, cfg.WorkerID, deps.LeaderDecider, deps.Source, deps.Store, cfg.InitialDelay, cfg.PeriodicShardSyncInterval)
	s.cleanupMgr = cleanup.New(deps.Logger, cleanup.Config{
		CleanupIntervalMillis:               cfg.LeaseCleanupIntervalMillis,
		CompletedLeaseCleanupIntervalMillis: cfg.CompletedLeaseCleanupIntervalMillis,
		GarbageLeaseCleanupIntervalMillis:   cfg.GarbageLeaseCleanupIntervalMillis,
		CleanupLeasesUponShardCompletion:    cfg.CleanupLeasesUponShardCompletion,
		MaxFutureWait:                       cfg.MaxFutureWait,
	}, deps.Store, deps.Source)
	s.setState(worker.Created)
	return s
}

// SetConsumerFactory supplies (or replaces) the factory used to build
// ShardConsumers. Safe to call once before Initialize; callers that need
// the Scheduler as a consumer.ShardEndNotifier construct their factory
// after New returns and wire it in here.
func (s *Scheduler) SetConsumerFactory(f consumer.Factory) {
	s.mu.Lock()
	s.consumerFactory = f
	s.mu.Unlock()
}

// dynamicFactory is the consumer.Factory handed to the registry; it looks
// up the currently configured factory on every call (rather than closing
// over it once) so SetConsumerFactory can run after New, and instruments
// every invocation so buildConsumer events are countable.
func (s *Scheduler) dynamicFactory(shard model.ShardInfo, lease model.Lease) consumer.ShardConsumer {
	id := shard.Identity()
	key := id.StreamIdentifier.Serialize() + "|" + id.ShardID + "|" + id.ConcurrencyToken
	s.mu.Lock()
	s.buildConsumerCount[key]++
	f := s.consumerFactory
	s.mu.Unlock()
	return f(shard, lease)
}

// BuildConsumerCount reports how many times the factory was invoked for the
// given identity. Test hook.
func (s *Scheduler) BuildConsumerCount(id model.ConsumerIdentity) int {
	key := id.StreamIdentifier.Serialize() + "|" + id.ShardID + "|" + id.ConcurrencyToken
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildConsumerCount[key]
}

func (s *Scheduler) setState(st worker.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.stateListener.OnWorkerStateChange(st)
}

// State reports the current lifecycle state.
func (s *Scheduler) State() worker.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NotifyShardEnd implements consumer.ShardEndNotifier: enqueues the shard's
// lease for completed-lease cleanup.
func (s *Scheduler) NotifyShardEnd(lease model.Lease, shard model.ShardInfo, stream model.StreamIdentifier) {
	if err := s.cleanupMgr.Enqueue(cleanup.LeasePendingDeletion{StreamIdentifier: stream, Lease: lease, Shard: shard}); err != nil {
		s.lg.Warn("enqueue shard-end lease failed", zap.String("leaseKey", lease.Key), zap.Error(err))
	}
}

// NotifyGarbage implements consumer.ShardEndNotifier: enqueues the shard's
// lease for garbage-lease cleanup.
func (s *Scheduler) NotifyGarbage(lease model.Lease, shard model.ShardInfo, stream model.StreamIdentifier) {
	if err := s.cleanupMgr.Enqueue(cleanup.LeasePendingDeletion{StreamIdentifier: stream, Lease: lease, Shard: shard}); err != nil {
		s.lg.Warn("enqueue garbage lease failed", zap.String("leaseKey", lease.Key), zap.Error(err))
	}
}

// dispatchAsyncError is the classifier installed once during Initialize,
// replacing a global error sink with an explicit channel and a
// tagged-variant branch.
func (s *Scheduler) dispatchAsyncError(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-s.asyncErrCh:
			if err == nil {
				continue
			}
			if errkind.Classify(err) == errkind.RejectedTask {
				s.diagnostics.HandleRejectedTask(worker.RejectedTaskEvent{
					ExecutorState: worker.ExecutorStateEvent{
						PoolSize:    s.registry.Len(),
						ActiveCount: s.registry.Len(),
						QueueDepth:  s.cleanupMgr.QueueLen(),
						ObservedAt:  time.Now(),
					},
					Reason: err.Error(),
				})
				continue
			}
			s.lg.Warn("undeliverable async error", zap.Error(err))
		}
	}
}

// Initialize runs the Scheduler's startup sequence.
func (s *Scheduler) Initialize(ctx context.Context) error {
	s.setState(worker.Initializing)
	go s.dispatchAsyncError(ctx)

	declared, err := s.tracker.StreamConfigList(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, cfg := range declared {
		s.currentStreamConfigMap[cfg.StreamIdentifier.Serialize()] = cfg
	}
	s.mu.Unlock()

	if err := s.leaseCoord.Initialize(ctx); err != nil {
		return err
	}
	for _, cfg := range declared {
		s.syncMgr.EnsureStream(cfg)
	}
	if err := s.initialShardSync(ctx, declared); err != nil {
		return err
	}
	s.syncMgr.Start(ctx)
	s.cleanupMgr.Start(ctx)
	s.setState(worker.Initialized)
	s.setState(worker.Started)
	return nil
}

// initialShardSync implements the bounded retry policy: maxInitializationAttempts
// outer attempts, each retrying only the streams still unsynced from the
// prior attempt.
func (s *Scheduler) initialShardSync(ctx context.Context, declared []model.StreamConfig) error {
	unsynced := make(map[string]model.StreamConfig, len(declared))
	for _, cfg := range declared {
		unsynced[cfg.StreamIdentifier.Serialize()] = cfg
	}
	maxAttempts := s.cfg.MaxInitializationAttempts
	if maxAttempts <= 0 {
		maxAttempts = 20
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if len(unsynced) == 0 {
			return nil
		}
		for key, cfg := range unsynced {
			t := s.syncMgr.EnsureStream(cfg)
			if err := t.SyncShards(ctx); err != nil {
				s.lg.Warn("initial shard sync failed, will retry",
					zap.String("stream", key), zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			delete(unsynced, key)
		}
		if len(unsynced) == 0 {
			return nil
		}
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.ParentShardPollInterval):
			}
		}
	}
	if len(unsynced) > 0 {
		return errFatalInitialization{streams: unsynced}
	}
	return nil
}

// RunProcessLoop is the Scheduler's single-threaded control loop. It
// returns when ctx is cancelled.
func (s *Scheduler) RunProcessLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.leaseCoord.Tick(ctx); err != nil {
			s.lg.Warn("lease coordinator tick failed", zap.Error(err))
		}
		assignments, err := s.leaseCoord.CurrentAssignments(ctx)
		if err != nil {
			s.lg.Warn("current assignments lookup failed", zap.Error(err))
			assignments = nil
		}

		current := make(map[model.ConsumerIdentity]struct{}, len(assignments))
		for _, shard := range assignments {
			leaseKey := model.LeaseKey(shard.StreamIdentifier, shard.ShardID)
			cp, err := s.ckpt.GetCheckpoint(ctx, leaseKey)
			if err != nil {
				s.lg.Warn("checkpoint lookup failed", zap.String("leaseKey", leaseKey), zap.Error(err))
				continue
			}
			if cp.IsShardEnd() {
				continue
			}
			current[shard.Identity()] = struct{}{}
			lease, err := s.leaseCoord.Lease(ctx, leaseKey)
			if err != nil {
				s.lg.Warn("lease lookup failed", zap.String("leaseKey", leaseKey), zap.Error(err))
				continue
			}
			s.registry.CreateOrGet(shard, lease)
		}
		s.registry.RetireAbsent(current)
		s.registry.SweepFinished()

		if _, err := s.reconcileStreams(ctx); err != nil {
			s.lg.Warn("stream reconciliation failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ParentShardPollInterval):
		}
	}
}

// reconcileStreams folds the tracker's currently declared stream set into
// currentStreamConfigMap: newly declared streams get their first sync
// folded into the sync manager's regular coverage, and streams no longer
// declared are drained and removed once they've aged past the configured
// deferment period (zero deferment removes them the same tick). It returns
// the streams synced this pass: newly declared ones plus expired ones that
// were drained and removed.
func (s *Scheduler) reconcileStreams(ctx context.Context) ([]string, error) {
	declaredList, err := s.tracker.StreamConfigList(ctx)
	if err != nil {
		return nil, err
	}
	declared := make(map[string]model.StreamConfig, len(declaredList))
	for _, cfg := range declaredList {
		declared[cfg.StreamIdentifier.Serialize()] = cfg
	}

	s.mu.Lock()
	known := make(map[string]struct{}, len(s.currentStreamConfigMap))
	for k := range s.currentStreamConfigMap {
		known[k] = struct{}{}
	}
	s.mu.Unlock()

	var synced []string
	for key, cfg := range declared {
		if _, ok := known[key]; ok {
			continue
		}
		s.mu.Lock()
		s.currentStreamConfigMap[key] = cfg
		s.mu.Unlock()
		t := s.syncMgr.EnsureStream(cfg)
		if err := t.SyncShards(ctx); err != nil {
			s.lg.Warn("new stream sync failed", zap.String("stream", key), zap.Error(err))
			continue
		}
		synced = append(synced, key)
	}

	var absent []string
	for key := range known {
		if _, ok := declared[key]; ok {
			s.mu.Lock()
			delete(s.staleStreamDeletionMap, key)
			s.mu.Unlock()
			continue
		}
		absent = append(absent, key)
	}

	// First pass: record first-observed-absent for any stream not already
	// tracked, so a deferment of 0 can still expire it within this same
	// tick.
	s.mu.Lock()
	for _, key := range absent {
		if _, seen := s.staleStreamDeletionMap[key]; !seen {
			s.staleStreamDeletionMap[key] = time.Now()
		}
	}
	s.mu.Unlock()

	// Second pass: expire whichever absent streams have now aged past the
	// deferment period.
	for _, key := range absent {
		s.mu.Lock()
		firstAbsent := s.staleStreamDeletionMap[key]
		expired := time.Since(firstAbsent) >= s.cfg.OldStreamDeferredDeletionPeriod
		s.mu.Unlock()
		if !expired {
			continue
		}
		if err := s.syncMgr.SyncStream(ctx, key); err != nil {
			s.lg.Warn("expired stream drain sync failed", zap.String("stream", key), zap.Error(err))
			continue
		}
		s.syncMgr.RemoveStream(key)
		s.mu.Lock()
		delete(s.currentStreamConfigMap, key)
		delete(s.staleStreamDeletionMap, key)
		s.mu.Unlock()
		synced = append(synced, key)
	}
	return synced, nil
}

// Run is the blocking entrypoint: initialize, then loop until ctx is
// cancelled, then drain. Initialization failure past the attempt bound is
// fatal and returned to the caller; a cancelled ctx is a normal exit.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}
	s.RunProcessLoop(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.Shutdown(shutdownCtx)
	return nil
}

// Shutdown drains the Scheduler: it stops accepting new lease ownership,
// halts the periodic tasks, requests every tracked consumer to shut down,
// and waits (bounded) for them to finish. Idempotent and safe to call from
// any goroutine.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.shutdownRequested {
		s.mu.Unlock()
		return
	}
	s.shutdownRequested = true
	s.mu.Unlock()

	s.setState(worker.ShutDownStarted)
	s.leaseCoord.Stop(ctx)
	s.syncMgr.Stop()
	s.cleanupMgr.Stop()
	s.registry.ShutdownAll(consumer.ShutdownRequested)

	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.registry.AwaitShutdown(waitCtx, 50*time.Millisecond); err != nil {
		s.lg.Warn("consumer shutdown did not complete before deadline", zap.Error(err))
	}
	s.setState(worker.ShutDown)
}

// errFatalInitialization reports the streams that never synced within the
// attempt bound.
type errFatalInitialization struct {
	streams map[string]model.StreamConfig
}

func (e errFatalInitialization) Error() string {
	return "scheduler: initialization failed, streams never synced within attempt bound"
}
