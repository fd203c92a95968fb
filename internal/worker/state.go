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

// Package worker holds the Scheduler's worker-lifecycle vocabulary:
// WorkerState transitions, the listener interface callers can supply, and
// the diagnostic events raised by the async error classifier.
package worker

import "go.uber.org/zap"

// State is one stage of the Scheduler's lifecycle, published in the order
// the state machine transitions through.
type State int

const (
	Created State = iota
	Initializing
	Initialized
	Started
	ShutDownStarted
	ShutDown
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Initializing:
		return "INITIALIZING"
	case Initialized:
		return "INITIALIZED"
	case Started:
		return "STARTED"
	case ShutDownStarted:
		return "SHUT_DOWN_STARTED"
	case ShutDown:
		return "SHUT_DOWN"
	default:
		return "UNKNOWN"
	}
}

// StateChangeListener is notified of every Scheduler state transition.
type StateChangeListener interface {
	OnWorkerStateChange(s State)
}

// NoopStateChangeListener discards every transition.
type NoopStateChangeListener struct{}

func (NoopStateChangeListener) OnWorkerStateChange(State) {}

// LoggingStateChangeListener is the default StateChangeListener: it logs
// every transition at Info level.
type LoggingStateChangeListener struct {
	Logger *zap.Logger
}

func (l LoggingStateChangeListener) OnWorkerStateChange(s State) {
	l.Logger.Info("worker state change", zap.String("state", s.String()))
}
