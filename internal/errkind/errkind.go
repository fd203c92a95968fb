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

// Package errkind implements the error taxonomy: a small classifier that
// looks at an error returned by a collaborator and says which of the
// documented kinds it is, so callers can decide whether to retry, surface,
// or just log-and-continue.
package errkind

import (
	"errors"

	"github.com/shardstream/coordinator/internal/leasestore"
	"github.com/shardstream/coordinator/internal/source"
)

// Kind is the tagged variant called for in place of a global error-sink
// pattern.
type Kind int

const (
	Dependency Kind = iota
	ProvisionedThroughput
	InvalidState
	ResourceNotFound
	RejectedTask
	NonRetryable
	FatalInitialization
)

func (k Kind) String() string {
	switch k {
	case Dependency:
		return "dependency"
	case ProvisionedThroughput:
		return "provisioned_throughput"
	case InvalidState:
		return "invalid_state"
	case ResourceNotFound:
		return "resource_not_found"
	case RejectedTask:
		return "rejected_task"
	case NonRetryable:
		return "non_retryable"
	case FatalInitialization:
		return "fatal_initialization"
	default:
		return "unknown"
	}
}

// RejectedTaskError marks an error as having originated from a saturated
// executor (pool full, queue full) rather than the work itself failing.
type RejectedTaskError struct {
	Reason string
}

func (e *RejectedTaskError) Error() string { return "rejected task: " + e.Reason }

// Classify maps an error from a collaborator call to its taxonomy Kind.
// Unrecognized errors are treated as Dependency (transient, retryable),
// the conservative default for anything not explicitly mapped, including
// provisioned-throughput exhaustion.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return Dependency
	case errors.Is(err, source.ErrResourceNotFound):
		return ResourceNotFound
	case errors.Is(err, leasestore.ErrInvalidState):
		return InvalidState
	default:
		var rte *RejectedTaskError
		if errors.As(err, &rte) {
			return RejectedTask
		}
		return Dependency
	}
}
