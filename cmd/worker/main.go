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

// Command worker runs one stream-consumer coordinator process: it loads
// configuration, wires the external collaborators (Kinesis, DynamoDB, etcd),
// and runs the Scheduler until signalled to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/shardstream/coordinator/internal/checkpoint"
	"github.com/shardstream/coordinator/internal/config"
	"github.com/shardstream/coordinator/internal/consumer"
	"github.com/shardstream/coordinator/internal/leader/etcdleader"
	"github.com/shardstream/coordinator/internal/leasestore"
	dynamolease "github.com/shardstream/coordinator/internal/leasestore/dynamodb"
	"github.com/shardstream/coordinator/internal/model"
	"github.com/shardstream/coordinator/internal/scheduler"
	kinesissource "github.com/shardstream/coordinator/internal/source/kinesis"
	"github.com/shardstream/coordinator/internal/worker"
)

func main() {
	configPath := flag.String("config", "worker.yaml", "path to worker configuration")
	workerID := flag.String("worker-id", "", "this worker's identity (defaults to hostname)")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer lg.Sync()

	if err := run(*configPath, *workerID, lg); err != nil {
		lg.Fatal("worker exited with error", zap.Error(err))
	}
}

func run(configPath, workerID string, lg *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if workerID == "" {
		workerID, _ = os.Hostname()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return err
	}

	kinesisClient := kinesis.NewFromConfig(awsCfg)
	src := kinesissource.New(kinesisClient)

	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	store := dynamolease.New(dynamoClient, cfg.TableName)

	etcdClient, err := clientv3.New(clientv3.Config{Endpoints: cfg.EtcdEndpoints})
	if err != nil {
		return err
	}
	defer etcdClient.Close()

	decider, err := etcdleader.New(ctx, lg, etcdClient, cfg.ElectionPath, workerID)
	if err != nil {
		return err
	}
	defer decider.Shutdown()

	ckpt := &checkpoint.LeaseBackedCheckpointer{Store: store}

	diagnostics := worker.NewCountingDiagnosticsHandler(func(ev worker.RejectedTaskEvent) {
		lg.Warn("rejected task observed", zap.String("reason", ev.Reason), zap.Int("poolSize", ev.ExecutorState.PoolSize))
	})
	stateListener := worker.LoggingStateChangeListener{Logger: lg}

	tracker := scheduler.StaticTracker{Config: model.StreamConfig{
		StreamIdentifier: model.SingleStream(cfg.StreamName),
		InitialPosition:  model.InitialPosition{Kind: model.InitialPositionLatest},
	}}

	sched := scheduler.New(scheduler.Config{
		WorkerID:                        workerID,
		ParentShardPollInterval:         cfg.ParentShardPollInterval(),
		MaxInitializationAttempts:       cfg.MaxInitializationAttempts,
		OldStreamDeferredDeletionPeriod: cfg.OldStreamDeferredDeletionPeriod(),

		LeaseCleanupIntervalMillis:          cfg.LeaseCleanupIntervalMillis,
		CompletedLeaseCleanupIntervalMillis: cfg.CompletedLeaseCleanupIntervalMillis,
		GarbageLeaseCleanupIntervalMillis:   cfg.GarbageLeaseCleanupIntervalMillis,
		CleanupLeasesUponShardCompletion:    cfg.CleanupLeasesUponShardCompletion,
		MaxFutureWait:                       cfg.MaxFutureWait(),

		PeriodicShardSyncInterval: cfg.PeriodicShardSyncInterval(),
		InitialDelay:              cfg.InitialDelay(),
	}, scheduler.Deps{
		Logger:        lg,
		Tracker:       tracker,
		Store:         store,
		Source:        src,
		Checkpointer:  ckpt,
		LeaderDecider: decider,
		StateListener: stateListener,
		Diagnostics:   diagnostics,
	})

	pollingCfg := consumer.PollingConsumerConfig{
		Logger:        lg,
		Source:        src,
		Checkpointer:  ckpt,
		Notifier:      sched,
		PollInterval:  cfg.ParentShardPollInterval(),
		MaxFutureWait: cfg.MaxFutureWait(),
		ParentsDone:   makeParentsDoneFn(store),
	}
	sched.SetConsumerFactory(consumer.NewFactory(pollingCfg))

	return sched.Run(ctx)
}

// makeParentsDoneFn reports whether every named parent shard's lease has
// reached SHARD_END, consulted by PollingConsumer before it starts reading
// its own shard.
func makeParentsDoneFn(store *dynamolease.Store) func(ctx context.Context, parentShardIDs []string) bool {
	return func(ctx context.Context, parentShardIDs []string) bool {
		for _, key := range parentShardIDs {
			lease, err := store.GetLease(ctx, key)
			if errors.Is(err, leasestore.ErrNotFound) {
				// Already reaped, which only happens after SHARD_END.
				continue
			}
			if err != nil || !lease.Checkpoint.IsShardEnd() {
				return false
			}
		}
		return true
	}
}
