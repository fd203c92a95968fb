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

// Package source defines the StreamSource collaborator: shard discovery and
// record retrieval against whatever partitioned stream backs this
// coordinator. Concrete adapters live in sub-packages (e.g. source/kinesis).
package source

import (
	"context"
	"errors"

	"github.com/shardstream/coordinator/internal/model"
)

// ErrResourceNotFound is the positive signal that a shard the lease table
// still references no longer exists at the source. It drives the garbage
// lease reaping path in the cleanup manager.
var ErrResourceNotFound = errors.New("source: resource not found")

// IteratorType selects where a new shard iterator starts reading from.
type IteratorType int

const (
	IteratorLatest IteratorType = iota
	IteratorTrimHorizon
	IteratorAtSequenceNumber
	IteratorAtTimestamp
)

// GetRecordsResult is the outcome of one GetRecords call. ChildShards is
// populated only once the shard has closed (split or merge).
type GetRecordsResult struct {
	Records            []Record
	ChildShards        []model.ShardDescriptor
	NextIteratorToken  string
	MillisBehindLatest int64
}

// Record is a single delivered stream record.
type Record struct {
	SequenceNumber string
	SubSequence    int64
	Data           []byte
}

// StreamSource abstracts the append-only partitioned stream this
// coordinator consumes from. Implementations may return ErrResourceNotFound
// from any method once the shard/stream is gone from the source.
type StreamSource interface {
	ListShards(ctx context.Context, stream model.StreamIdentifier) ([]model.ShardDescriptor, error)
	GetShardIterator(ctx context.Context, stream model.StreamIdentifier, shardID string, iterType IteratorType, sequenceNumber string) (string, error)
	GetRecords(ctx context.Context, iteratorToken string, limit int) (GetRecordsResult, error)
}
