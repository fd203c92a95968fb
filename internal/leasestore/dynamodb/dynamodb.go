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

// Package dynamodb adapts a DynamoDB table to the leasestore.LeaseStore
// interface. Every mutating call is a conditional write: creation on the
// key's absence, every other write on the lease counter, so a stale caller
// loses instead of clobbering.
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/shardstream/coordinator/internal/leasestore"
	"github.com/shardstream/coordinator/internal/model"
)

const (
	attrKey          = "lease_key"
	attrOwner        = "owner"
	attrLeaseCounter = "lease_counter"
	attrCheckpoint   = "checkpoint"
	attrParents      = "parent_shard_ids"
	attrChildren     = "child_shard_ids"
	attrPendingCkpt  = "pending_checkpoint"
	attrStreamID     = "stream_identifier"
)

// API is the subset of the DynamoDB client this adapter needs.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Store is the concrete LeaseStore backed by a DynamoDB table.
type Store struct {
	client API
	table  string
}

func New(client API, table string) *Store {
	return &Store{client: client, table: table}
}

func (s *Store) ListLeases(ctx context.Context) ([]model.Lease, error) {
	var (
		out               []model.Lease
		exclusiveStartKey map[string]types.AttributeValue
	)
	for {
		resp, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.table),
			ExclusiveStartKey: exclusiveStartKey,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range resp.Items {
			lease, err := fromItem(item)
			if err != nil {
				return nil, err
			}
			out = append(out, lease)
		}
		if len(resp.LastEvaluatedKey) == 0 {
			break
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}
	return out, nil
}

func (s *Store) GetLease(ctx context.Context, key string) (model.Lease, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return model.Lease{}, err
	}
	if resp.Item == nil {
		return model.Lease{}, leasestore.ErrNotFound
	}
	return fromItem(resp.Item)
}

func (s *Store) CreateLeaseIfNotExists(ctx context.Context, lease model.Lease) error {
	if lease.LeaseCounter == 0 {
		lease.LeaseCounter = 1
	}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                toItem(lease),
		ConditionExpression: aws.String("attribute_not_exists(" + attrKey + ")"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Store) DeleteLease(ctx context.Context, lease model.Lease) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: lease.Key}},
		ConditionExpression:       aws.String(attrLeaseCounter + " = :lc"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":lc": numAttr(lease.LeaseCounter)},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return leasestore.ErrInvalidState
		}
		return err
	}
	return nil
}

func (s *Store) UpdateLeaseWithMetaInfo(ctx context.Context, lease model.Lease, field leasestore.MetaField) error {
	next := lease
	next.LeaseCounter = lease.LeaseCounter + 1

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.table),
		Item:                      toItem(next),
		ConditionExpression:       aws.String(attrLeaseCounter + " = :lc"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":lc": numAttr(lease.LeaseCounter)},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return leasestore.ErrInvalidState
		}
		return err
	}
	_ = field // field only changes which of next's values the caller populated
	return nil
}

func (s *Store) RenewLease(ctx context.Context, lease model.Lease) error {
	return s.UpdateLeaseWithMetaInfo(ctx, lease, leasestore.FieldPendingCheckpoint)
}

func (s *Store) TakeLease(ctx context.Context, lease model.Lease, newOwner string) error {
	next := lease
	next.Owner = newOwner
	next.LeaseCounter = lease.LeaseCounter + 1

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.table),
		Item:                      toItem(next),
		ConditionExpression:       aws.String(attrLeaseCounter + " = :lc"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":lc": numAttr(lease.LeaseCounter)},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return leasestore.ErrInvalidState
		}
		return err
	}
	return nil
}

func numAttr(v int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

type wireCheckpoint struct {
	Sentinel       string `json:"sentinel,omitempty"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	SubSequence    int64  `json:"subSequence,omitempty"`
}

func toItem(lease model.Lease) map[string]types.AttributeValue {
	ckpt, _ := json.Marshal(wireCheckpoint{
		Sentinel:       string(lease.Checkpoint.Sentinel),
		SequenceNumber: lease.Checkpoint.SequenceNumber,
		SubSequence:    lease.Checkpoint.SubSequence,
	})

	item := map[string]types.AttributeValue{
		attrKey:          &types.AttributeValueMemberS{Value: lease.Key},
		attrLeaseCounter: numAttr(lease.LeaseCounter),
		attrCheckpoint:   &types.AttributeValueMemberS{Value: string(ckpt)},
		attrStreamID:     &types.AttributeValueMemberS{Value: lease.StreamIdentifier.Serialize()},
	}
	if lease.Owner != "" {
		item[attrOwner] = &types.AttributeValueMemberS{Value: lease.Owner}
	}
	if len(lease.ParentShardIDs) > 0 {
		item[attrParents] = stringSetOrList(lease.ParentShardIDs)
	}
	if lease.ChildShardIDs != nil {
		item[attrChildren] = stringSetOrList(lease.ChildShardIDs)
	}
	if lease.PendingCheckpoint != nil {
		pc, _ := json.Marshal(wireCheckpoint{
			Sentinel:       string(lease.PendingCheckpoint.Sentinel),
			SequenceNumber: lease.PendingCheckpoint.SequenceNumber,
			SubSequence:    lease.PendingCheckpoint.SubSequence,
		})
		item[attrPendingCkpt] = &types.AttributeValueMemberS{Value: string(pc)}
	}
	return item
}

func stringSetOrList(values []string) types.AttributeValue {
	if len(values) == 0 {
		return &types.AttributeValueMemberL{}
	}
	l := make([]types.AttributeValue, 0, len(values))
	for _, v := range values {
		l = append(l, &types.AttributeValueMemberS{Value: v})
	}
	return &types.AttributeValueMemberL{Value: l}
}

func fromItem(item map[string]types.AttributeValue) (model.Lease, error) {
	var lease model.Lease

	if v, ok := item[attrKey].(*types.AttributeValueMemberS); ok {
		lease.Key = v.Value
	}
	if v, ok := item[attrOwner].(*types.AttributeValueMemberS); ok {
		lease.Owner = v.Value
	}
	if v, ok := item[attrLeaseCounter].(*types.AttributeValueMemberN); ok {
		lease.LeaseCounter, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	if v, ok := item[attrStreamID].(*types.AttributeValueMemberS); ok && v.Value != "" {
		sid, err := model.ParseStreamIdentifier(v.Value)
		if err != nil {
			return model.Lease{}, err
		}
		lease.StreamIdentifier = sid
	}
	if v, ok := item[attrCheckpoint].(*types.AttributeValueMemberS); ok {
		var wc wireCheckpoint
		if err := json.Unmarshal([]byte(v.Value), &wc); err != nil {
			return model.Lease{}, err
		}
		lease.Checkpoint = model.ExtendedSequenceNumber{
			Sentinel:       model.SequenceSentinel(wc.Sentinel),
			SequenceNumber: wc.SequenceNumber,
			SubSequence:    wc.SubSequence,
		}
	}
	if v, ok := item[attrPendingCkpt].(*types.AttributeValueMemberS); ok && v.Value != "" {
		var wc wireCheckpoint
		if err := json.Unmarshal([]byte(v.Value), &wc); err != nil {
			return model.Lease{}, err
		}
		pc := model.ExtendedSequenceNumber{
			Sentinel:       model.SequenceSentinel(wc.Sentinel),
			SequenceNumber: wc.SequenceNumber,
			SubSequence:    wc.SubSequence,
		}
		lease.PendingCheckpoint = &pc
	}
	lease.ParentShardIDs = stringsFromAttr(item[attrParents])
	if _, ok := item[attrChildren]; ok {
		lease.ChildShardIDs = stringsFromAttr(item[attrChildren])
		if lease.ChildShardIDs == nil {
			lease.ChildShardIDs = []string{}
		}
	}
	return lease, nil
}

func stringsFromAttr(attr types.AttributeValue) []string {
	l, ok := attr.(*types.AttributeValueMemberL)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range l.Value {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			out = append(out, s.Value)
		}
	}
	return out
}
