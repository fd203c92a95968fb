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

package asyncutil

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LoopFunc is one iteration of a background loop.
type LoopFunc func(ctx context.Context) error

// TickerLoop runs fn every interval until ctx is cancelled, logging exitMsg
// on the way out. Errors from fn are logged and swallowed; per-tick
// failures never crash the owning goroutine.
func TickerLoop(ctx context.Context, lg *zap.Logger, interval time.Duration, exitMsg string, fn LoopFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			lg.Info(exitMsg)
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				lg.Warn("loop iteration failed", zap.Error(err))
			}
		}
	}
}

// SequenceTickerLoop is TickerLoop with fixed-delay semantics: the next
// tick is scheduled interval after the previous call to fn *returns*, so a
// slow iteration never overlaps its successor. This is what the
// PeriodicShardSyncManager and LeaseCleanupManager are built on.
func SequenceTickerLoop(ctx context.Context, lg *zap.Logger, interval time.Duration, exitMsg string, fn LoopFunc) {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			lg.Info(exitMsg)
			return
		case <-timer.C:
			if err := fn(ctx); err != nil {
				lg.Warn("loop iteration failed", zap.Error(err))
			}
			timer.Reset(interval)
		}
	}
}
