// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

func clusterTimeDoc(t *testing.T, ts primitive.Timestamp) bsoncore.Document {
	t.Helper()
	raw, err := bson.Marshal(bson.D{{Key: "clusterTime", Value: ts}})
	require.NoError(t, err)
	return raw
}

func TestOperationTimeMonotonic(t *testing.T) {
	clock := &ClusterClock{}
	assert.Nil(t, clock.OperationTime())

	clock.AdvanceOperationTime(primitive.Timestamp{T: 100, I: 1})
	require.NotNil(t, clock.OperationTime())
	assert.Equal(t, primitive.Timestamp{T: 100, I: 1}, *clock.OperationTime())

	// A stale write is harmless: the merge keeps the maximum.
	clock.AdvanceOperationTime(primitive.Timestamp{T: 50, I: 9})
	assert.Equal(t, primitive.Timestamp{T: 100, I: 1}, *clock.OperationTime())

	clock.AdvanceOperationTime(primitive.Timestamp{T: 100, I: 2})
	assert.Equal(t, primitive.Timestamp{T: 100, I: 2}, *clock.OperationTime())
}

func TestClusterTimeKeepsMaximum(t *testing.T) {
	clock := &ClusterClock{}
	assert.Nil(t, clock.ClusterTime())

	newer := clusterTimeDoc(t, primitive.Timestamp{T: 200, I: 0})
	older := clusterTimeDoc(t, primitive.Timestamp{T: 100, I: 0})

	clock.AdvanceClusterTime(newer)
	clock.AdvanceClusterTime(older)
	assert.Equal(t, newer, clock.ClusterTime())

	newest := clusterTimeDoc(t, primitive.Timestamp{T: 300, I: 0})
	clock.AdvanceClusterTime(newest)
	assert.Equal(t, newest, clock.ClusterTime())
}

func TestClockReset(t *testing.T) {
	clock := &ClusterClock{}
	clock.AdvanceOperationTime(primitive.Timestamp{T: 1, I: 1})
	clock.AdvanceClusterTime(clusterTimeDoc(t, primitive.Timestamp{T: 1, I: 1}))

	clock.Reset()
	assert.Nil(t, clock.OperationTime())
	assert.Nil(t, clock.ClusterTime())
}
