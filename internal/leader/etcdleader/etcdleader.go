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

// Package etcdleader implements LeaderDecider on etcd's session/election
// primitives: each worker campaigns for a shared election key and answers
// IsLeader from the currently observed leader value.
package etcdleader

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

// Decider campaigns for a named election and reports whether the calling
// worker currently holds it.
type Decider struct {
	lg       *zap.Logger
	client   *clientv3.Client
	election string

	mu       sync.RWMutex
	session  *concurrency.Session
	campaign *concurrency.Election
	leaderID string
	closed   bool
}

// New starts campaigning in the background for the named election key.
// workerID is used as the campaign value so IsLeader can compare it against
// the currently observed leader without a round trip per call.
func New(ctx context.Context, lg *zap.Logger, client *clientv3.Client, electionPath, workerID string) (*Decider, error) {
	session, err := concurrency.NewSession(client)
	if err != nil {
		return nil, errors.Wrap(err, "new etcd session")
	}

	d := &Decider{
		lg:       lg,
		client:   client,
		election: electionPath,
		session:  session,
		campaign: concurrency.NewElection(session, electionPath),
	}

	go d.campaignLoop(ctx, workerID)
	go d.observeLoop(ctx)

	return d, nil
}

func (d *Decider) campaignLoop(ctx context.Context, workerID string) {
	if err := d.campaign.Campaign(ctx, workerID); err != nil {
		if ctx.Err() == nil {
			d.lg.Warn("campaign failed", zap.String("election", d.election), zap.Error(err))
		}
		return
	}
	d.lg.Info("became leader", zap.String("election", d.election), zap.String("workerId", workerID))
}

func (d *Decider) observeLoop(ctx context.Context) {
	ch := d.campaign.Observe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-ch:
			if !ok {
				return
			}
			if len(resp.Kvs) == 0 {
				continue
			}
			d.mu.Lock()
			d.leaderID = string(resp.Kvs[0].Value)
			d.mu.Unlock()
		}
	}
}

// IsLeader reports whether workerID is the currently observed leader.
func (d *Decider) IsLeader(_ context.Context, workerID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false, errors.New("etcdleader: decider is shut down")
	}
	return d.leaderID == workerID, nil
}

// Shutdown resigns leadership (if held) and closes the underlying session.
func (d *Decider) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	if err := d.campaign.Resign(context.Background()); err != nil {
		d.lg.Warn("resign failed", zap.Error(err))
	}
	return d.session.Close()
}
