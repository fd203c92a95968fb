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

// Package kinesis adapts AWS Kinesis Data Streams to the source.StreamSource
// interface.
package kinesis

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"github.com/shardstream/coordinator/internal/model"
	"github.com/shardstream/coordinator/internal/source"
)

// API is the subset of the Kinesis client this adapter needs, narrowed so
// tests can supply a fake without standing up a real client.
type API interface {
	ListShards(ctx context.Context, params *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
	GetShardIterator(ctx context.Context, params *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
}

// Source is the concrete StreamSource backed by Kinesis.
type Source struct {
	client API
}

func New(client API) *Source {
	return &Source{client: client}
}

func (s *Source) ListShards(ctx context.Context, stream model.StreamIdentifier) ([]model.ShardDescriptor, error) {
	var (
		out       []model.ShardDescriptor
		nextToken *string
	)
	for {
		resp, err := s.client.ListShards(ctx, &kinesis.ListShardsInput{
			StreamName: aws.String(stream.Name),
			NextToken:  nextToken,
		})
		if err != nil {
			var rnf *types.ResourceNotFoundException
			if errors.As(err, &rnf) {
				return nil, source.ErrResourceNotFound
			}
			return nil, err
		}
		for _, sh := range resp.Shards {
			var parents []string
			if sh.ParentShardId != nil {
				parents = append(parents, aws.ToString(sh.ParentShardId))
			}
			if sh.AdjacentParentShardId != nil {
				parents = append(parents, aws.ToString(sh.AdjacentParentShardId))
			}
			out = append(out, model.ShardDescriptor{
				ShardID:        aws.ToString(sh.ShardId),
				ParentShardIDs: parents,
			})
		}
		if resp.NextToken == nil {
			break
		}
		nextToken = resp.NextToken
	}
	return out, nil
}

func (s *Source) GetShardIterator(ctx context.Context, stream model.StreamIdentifier, shardID string, iterType source.IteratorType, sequenceNumber string) (string, error) {
	input := &kinesis.GetShardIteratorInput{
		StreamName: aws.String(stream.Name),
		ShardId:    aws.String(shardID),
	}
	switch iterType {
	case source.IteratorLatest:
		input.ShardIteratorType = types.ShardIteratorTypeLatest
	case source.IteratorTrimHorizon:
		input.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
	case source.IteratorAtSequenceNumber:
		input.ShardIteratorType = types.ShardIteratorTypeAtSequenceNumber
		input.StartingSequenceNumber = aws.String(sequenceNumber)
	case source.IteratorAtTimestamp:
		input.ShardIteratorType = types.ShardIteratorTypeAtTimestamp
	}

	resp, err := s.client.GetShardIterator(ctx, input)
	if err != nil {
		var rnf *types.ResourceNotFoundException
		if errors.As(err, &rnf) {
			return "", source.ErrResourceNotFound
		}
		return "", err
	}
	return aws.ToString(resp.ShardIterator), nil
}

func (s *Source) GetRecords(ctx context.Context, iteratorToken string, limit int) (source.GetRecordsResult, error) {
	resp, err := s.client.GetRecords(ctx, &kinesis.GetRecordsInput{
		ShardIterator: aws.String(iteratorToken),
		Limit:         aws.Int32(int32(limit)),
	})
	if err != nil {
		var rnf *types.ResourceNotFoundException
		if errors.As(err, &rnf) {
			return source.GetRecordsResult{}, source.ErrResourceNotFound
		}
		return source.GetRecordsResult{}, err
	}

	result := source.GetRecordsResult{
		MillisBehindLatest: aws.ToInt64(resp.MillisBehindLatest),
	}
	for _, r := range resp.Records {
		result.Records = append(result.Records, source.Record{
			SequenceNumber: aws.ToString(r.SequenceNumber),
			Data:           r.Data,
		})
	}
	for _, c := range resp.ChildShards {
		result.ChildShards = append(result.ChildShards, model.ShardDescriptor{
			ShardID:        aws.ToString(c.ShardId),
			ParentShardIDs: c.ParentShards,
		})
	}
	if resp.NextShardIterator != nil {
		result.NextIteratorToken = aws.ToString(resp.NextShardIterator)
	}
	return result, nil
}
