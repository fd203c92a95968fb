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

// Package asyncutil provides the small goroutine-lifecycle helpers every
// background loop in this module is built on.
package asyncutil

import (
	"context"
	"sync"
)

// GoroutineStopper owns a cancellable context and a WaitGroup so callers
// can fire-and-forget background loops and later ask them all to stop and
// wait for them to actually finish.
type GoroutineStopper struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	once bool
}

// Wrap launches fn in its own goroutine, passing it the stopper's context.
func (s *GoroutineStopper) Wrap(fn func(ctx context.Context)) {
	s.mu.Lock()
	if !s.once {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.once = true
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// Close cancels the context and blocks until every wrapped goroutine has
// returned. Safe to call more than once.
func (s *GoroutineStopper) Close() {
	s.mu.Lock()
	if !s.once {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}
