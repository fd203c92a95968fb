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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func Test_sequenceTickerLoopNeverOverlaps(t *testing.T) {
	var (
		inFlight atomic.Int32
		overlaps atomic.Int32
		ticks    atomic.Int32
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		SequenceTickerLoop(ctx, zap.NewNop(), time.Millisecond, "loop exit", func(ctx context.Context) error {
			if inFlight.Add(1) > 1 {
				overlaps.Add(1)
			}
			// A tick body slower than the interval must still never run
			// concurrently with its successor.
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			ticks.Add(1)
			return nil
		})
	}()

	time.Sleep(60 * time.Millisecond)
	cancel()
	wg.Wait()

	if ticks.Load() < 2 {
		t.Fatalf("expected at least 2 ticks, got %d", ticks.Load())
	}
	if overlaps.Load() != 0 {
		t.Fatalf("expected no overlapping ticks, observed %d", overlaps.Load())
	}
}

func Test_goroutineStopperCloseWaits(t *testing.T) {
	var finished atomic.Bool
	stopper := &GoroutineStopper{}
	stopper.Wrap(func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
	})

	stopper.Close()
	if !finished.Load() {
		t.Fatal("Close returned before the wrapped goroutine finished")
	}
	// Second Close is a no-op.
	stopper.Close()
}
