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

package worker

import (
	"sync/atomic"
	"time"
)

// ExecutorStateEvent is a point-in-time snapshot taken whenever the async
// error classifier observes a rejected task. Per-shard consumers each run
// on their own goroutine rather than in a pool, so the Scheduler fills
// PoolSize and ActiveCount with the number of tracked consumers and
// QueueDepth with the cleanup manager's deletion-queue length.
type ExecutorStateEvent struct {
	PoolSize    int
	ActiveCount int
	QueueDepth  int
	ObservedAt  time.Time
}

// RejectedTaskEvent wraps an ExecutorStateEvent taken at the moment a task
// was rejected because the executor was saturated. Exactly one of these is
// produced per rejected-task error.
type RejectedTaskEvent struct {
	ExecutorState ExecutorStateEvent
	Reason        string
}

// DiagnosticsHandler receives RejectedTaskEvents from the async error
// classifier.
type DiagnosticsHandler interface {
	HandleRejectedTask(RejectedTaskEvent)
}

// CountingDiagnosticsHandler logs and counts rejected-task events, the
// default handler wired by scheduler.New. HandleRejectedTask runs on
// the scheduler's async error-dispatch goroutine while Count may be read
// from anywhere, so count is kept atomic.
type CountingDiagnosticsHandler struct {
	count   atomic.Int64
	onEvent func(RejectedTaskEvent)
}

func NewCountingDiagnosticsHandler(onEvent func(RejectedTaskEvent)) *CountingDiagnosticsHandler {
	return &CountingDiagnosticsHandler{onEvent: onEvent}
}

func (h *CountingDiagnosticsHandler) HandleRejectedTask(ev RejectedTaskEvent) {
	if h.onEvent != nil {
		h.onEvent(ev)
	}
	h.count.Add(1)
}

func (h *CountingDiagnosticsHandler) Count() int {
	return int(h.count.Load())
}
