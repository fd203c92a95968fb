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

import "strconv"

// SequenceSentinel enumerates the well-known non-numeric checkpoint values.
type SequenceSentinel string

const (
	SentinelNone        SequenceSentinel = ""
	SentinelTrimHorizon SequenceSentinel = "TRIM_HORIZON"
	SentinelLatest      SequenceSentinel = "LATEST"
	SentinelAtTimestamp SequenceSentinel = "AT_TIMESTAMP"
	SentinelShardEnd    SequenceSentinel = "SHARD_END"
)

// ExtendedSequenceNumber is a shard checkpoint: either a well-known
// sentinel, or a numeric sequence with an optional sub-sequence used to
// order records that share a sequence number (aggregated records).
type ExtendedSequenceNumber struct {
	Sentinel       SequenceSentinel
	SequenceNumber string
	SubSequence    int64
}

// Sentinel constructors.
func TrimHorizon() ExtendedSequenceNumber { return ExtendedSequenceNumber{Sentinel: SentinelTrimHorizon} }
func Latest() ExtendedSequenceNumber      { return ExtendedSequenceNumber{Sentinel: SentinelLatest} }
func AtTimestamp() ExtendedSequenceNumber { return ExtendedSequenceNumber{Sentinel: SentinelAtTimestamp} }
func ShardEnd() ExtendedSequenceNumber    { return ExtendedSequenceNumber{Sentinel: SentinelShardEnd} }

// Sequence builds a numeric checkpoint.
func Sequence(seqNum string, subSeq int64) ExtendedSequenceNumber {
	return ExtendedSequenceNumber{SequenceNumber: seqNum, SubSequence: subSeq}
}

// IsSentinel reports whether this checkpoint carries a well-known sentinel
// rather than a numeric sequence.
func (e ExtendedSequenceNumber) IsSentinel() bool {
	return e.Sentinel != SentinelNone
}

// IsShardEnd reports whether this checkpoint marks the shard as fully
// consumed (terminal).
func (e ExtendedSequenceNumber) IsShardEnd() bool {
	return e.Sentinel == SentinelShardEnd
}

// AtInitialPosition reports whether this checkpoint means the shard has not
// yet begun processing (TRIM_HORIZON or AT_TIMESTAMP), used by the
// lineage rule that forbids reaping a parent lease while any child is
// still here.
func (e ExtendedSequenceNumber) AtInitialPosition() bool {
	return e.Sentinel == SentinelTrimHorizon || e.Sentinel == SentinelAtTimestamp
}

func (e ExtendedSequenceNumber) String() string {
	if e.IsSentinel() {
		return string(e.Sentinel)
	}
	if e.SubSequence != 0 {
		return e.SequenceNumber + "#" + strconv.FormatInt(e.SubSequence, 10)
	}
	return e.SequenceNumber
}

// Compare orders two numeric checkpoints by sequence number then
// sub-sequence. It is undefined for sentinel values; callers must check
// IsSentinel first.
func (e ExtendedSequenceNumber) Compare(other ExtendedSequenceNumber) int {
	if e.SequenceNumber != other.SequenceNumber {
		// Shorter digit strings are numerically smaller; equal lengths
		// compare digit by digit.
		if len(e.SequenceNumber) != len(other.SequenceNumber) {
			if len(e.SequenceNumber) < len(other.SequenceNumber) {
				return -1
			}
			return 1
		}
		if e.SequenceNumber < other.SequenceNumber {
			return -1
		}
		return 1
	}
	switch {
	case e.SubSequence < other.SubSequence:
		return -1
	case e.SubSequence > other.SubSequence:
		return 1
	default:
		return 0
	}
}
