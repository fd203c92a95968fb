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

// Package leader defines the LeaderDecider collaborator consulted by the
// PeriodicShardSyncManager before every discovery tick.
package leader

import "context"

// LeaderDecider answers whether a given worker currently holds leadership
// of the fleet. Implementations are expected to be fast and synchronous:
// the sync manager calls this once per tick and must not block materially
// on it.
type LeaderDecider interface {
	IsLeader(ctx context.Context, workerID string) (bool, error)
	Shutdown() error
}
