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

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// StreamIdentifier names a single stream. In single-stream mode only Name is
// set; in multi-stream mode Account and CreationEpoch are populated and
// participate in equality and serialization.
type StreamIdentifier struct {
	Account        string
	Name           string
	CreationEpoch  int64
	MultiStreamHdr bool
}

// SingleStream builds a bare single-stream identifier.
func SingleStream(name string) StreamIdentifier {
	return StreamIdentifier{Name: name}
}

// MultiStream builds an account:name:epoch identifier.
func MultiStream(account, name string, creationEpoch int64) StreamIdentifier {
	return StreamIdentifier{
		Account:        account,
		Name:           name,
		CreationEpoch:  creationEpoch,
		MultiStreamHdr: true,
	}
}

// Serialize returns the canonical string form. Single-stream identifiers
// serialize to the bare name; multi-stream identifiers serialize to
// "account:name:epoch".
func (s StreamIdentifier) Serialize() string {
	if !s.MultiStreamHdr {
		return s.Name
	}
	return fmt.Sprintf("%s:%s:%d", s.Account, s.Name, s.CreationEpoch)
}

func (s StreamIdentifier) String() string {
	return s.Serialize()
}

// ParseStreamIdentifier decodes a canonical string produced by Serialize.
// A bare name with no colons is treated as single-stream; three
// colon-separated components are treated as multi-stream.
func ParseStreamIdentifier(s string) (StreamIdentifier, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return SingleStream(parts[0]), nil
	case 3:
		var epoch int64
		if _, err := fmt.Sscanf(parts[2], "%d", &epoch); err != nil {
			return StreamIdentifier{}, errors.Wrapf(err, "parse creation epoch %q", parts[2])
		}
		return MultiStream(parts[0], parts[1], epoch), nil
	default:
		return StreamIdentifier{}, errors.Errorf("malformed stream identifier %q", s)
	}
}

// Equal reports structural equality over all components.
func (s StreamIdentifier) Equal(other StreamIdentifier) bool {
	return s == other
}

// InitialPositionKind selects where a stream starts consuming from when no
// lease yet exists for a shard.
type InitialPositionKind int

const (
	InitialPositionLatest InitialPositionKind = iota
	InitialPositionTrimHorizon
	InitialPositionAtTimestamp
)

// InitialPosition pairs a kind with the timestamp it needs when the kind is
// InitialPositionAtTimestamp.
type InitialPosition struct {
	Kind      InitialPositionKind
	Timestamp int64 // unix seconds, only meaningful for InitialPositionAtTimestamp
}

// StreamConfig is the tracker's declaration of a stream this worker fleet
// should be consuming, and where new shards in it should start from.
type StreamConfig struct {
	StreamIdentifier StreamIdentifier
	InitialPosition  InitialPosition
}
