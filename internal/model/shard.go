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

package model

// ShardInfo describes one shard's assignment as handed to the Scheduler by
// the lease coordinator: identity, lineage, and the checkpoint it should
// (re)start from.
type ShardInfo struct {
	ShardID          string
	ConcurrencyToken string
	ParentShardIDs   []string
	Checkpoint       ExtendedSequenceNumber
	StreamIdentifier StreamIdentifier
}

// ConsumerIdentity is the key ShardConsumerRegistry indexes consumers by.
// Two ShardInfos for the same shard with different ConcurrencyToken values
// are distinct tenancies and must produce distinct consumers.
type ConsumerIdentity struct {
	StreamIdentifier StreamIdentifier
	ShardID          string
	ConcurrencyToken string
}

// Identity extracts the identity ShardConsumerRegistry uses for this shard.
func (s ShardInfo) Identity() ConsumerIdentity {
	return ConsumerIdentity{
		StreamIdentifier: s.StreamIdentifier,
		ShardID:          s.ShardID,
		ConcurrencyToken: s.ConcurrencyToken,
	}
}

// ShardDescriptor is what the StreamSource reports for shard discovery,
// before any lease has been created for it.
type ShardDescriptor struct {
	ShardID        string
	ParentShardIDs []string
}

// Lease is the persisted record of a worker's claim on a shard.
type Lease struct {
	Key               string
	Owner             string // empty means unowned
	LeaseCounter      int64
	Checkpoint        ExtendedSequenceNumber
	ParentShardIDs    []string
	ChildShardIDs     []string // nil until discovered at shard end
	PendingCheckpoint *ExtendedSequenceNumber
	StreamIdentifier  StreamIdentifier
}

// LeaseKey derives the deterministic lease-store key for a shard within a
// stream: the bare shard id for single-stream, or
// "<serialized-stream>:<shardId>" for multi-stream.
func LeaseKey(stream StreamIdentifier, shardID string) string {
	if !stream.MultiStreamHdr {
		return shardID
	}
	return stream.Serialize() + ":" + shardID
}
