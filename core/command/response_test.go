// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/mongolite/mongolite/core/session"
)

func marshal(t *testing.T, d bson.D) bsoncore.Document {
	t.Helper()
	raw, err := bson.Marshal(d)
	require.NoError(t, err)
	return raw
}

func TestDecodeResponseScalarN(t *testing.T) {
	body := marshal(t, bson.D{{Key: "n", Value: int32(3)}, {Key: "ok", Value: 1.0}})

	res, err := DecodeResponse("update", body, nil)
	require.NoError(t, err)
	require.True(t, res.HasN)
	assert.Equal(t, int64(3), res.N)
}

func TestDecodeResponseWriteErrors(t *testing.T) {
	body := marshal(t, bson.D{
		{Key: "n", Value: int32(0)},
		{Key: "writeErrors", Value: bson.A{
			bson.D{
				{Key: "index", Value: int32(0)},
				{Key: "code", Value: int32(11000)},
				{Key: "errmsg", Value: "E11000 duplicate key error collection: testing.movies"},
			},
		}},
		{Key: "ok", Value: 1.0},
	})

	_, err := DecodeResponse("insert", body, nil)
	require.Error(t, err)

	var wce WriteCommandError
	require.ErrorAs(t, err, &wce)
	require.Len(t, wce.WriteErrors, 1)
	assert.Equal(t, int32(11000), wce.WriteErrors[0].Code)
	assert.Equal(t, "insert", wce.OperationType)
	assert.True(t, IsDuplicateKeyError(err))
}

func TestDecodeResponseWriteConcernError(t *testing.T) {
	body := marshal(t, bson.D{
		{Key: "n", Value: int32(1)},
		{Key: "writeConcernError", Value: bson.D{
			{Key: "code", Value: int32(64)},
			{Key: "codeName", Value: "WriteConcernFailed"},
			{Key: "errmsg", Value: "waiting for replication timed out"},
		}},
		{Key: "ok", Value: 1.0},
	})

	_, err := DecodeResponse("insert", body, nil)
	var wce WriteCommandError
	require.ErrorAs(t, err, &wce)
	require.NotNil(t, wce.WriteConcernError)
	assert.Equal(t, int32(64), wce.WriteConcernError.Code)
}

func TestDecodeResponseTopLevelError(t *testing.T) {
	body := marshal(t, bson.D{
		{Key: "ok", Value: 0.0},
		{Key: "errmsg", Value: "cannot specify readConcern"},
		{Key: "code", Value: int32(72)},
		{Key: "codeName", Value: "InvalidOptions"},
	})

	_, err := DecodeResponse("find", body, nil)
	var cmdErr Error
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, int32(72), cmdErr.Code)
	assert.Equal(t, "InvalidOptions", cmdErr.Name)
	assert.Equal(t, "E72 InvalidOptions: cannot specify readConcern", cmdErr.Error())
}

func TestDecodeResponseErrorLabels(t *testing.T) {
	body := marshal(t, bson.D{
		{Key: "ok", Value: 0.0},
		{Key: "errmsg", Value: "transaction aborted"},
		{Key: "code", Value: int32(112)},
		{Key: "codeName", Value: "WriteConflict"},
		{Key: "errorLabels", Value: bson.A{"TransientTransactionError"}},
	})

	_, err := DecodeResponse("insert", body, nil)
	var cmdErr Error
	require.ErrorAs(t, err, &cmdErr)
	assert.True(t, cmdErr.HasErrorLabel(TransientTransactionErrorLabel))
	assert.True(t, IsTransientTransactionError(err))
	assert.False(t, IsUnknownTransactionCommitResult(err))
}

func TestDecodeResponseCursor(t *testing.T) {
	body := marshal(t, bson.D{
		{Key: "cursor", Value: bson.D{
			{Key: "firstBatch", Value: bson.A{
				bson.D{{Key: "_id", Value: "a"}, {Key: "name", Value: "Armageddon"}},
				bson.D{{Key: "_id", Value: "b"}, {Key: "name", Value: "Gone with the wind"}},
			}},
			{Key: "id", Value: int64(0)},
			{Key: "ns", Value: "testing.movies"},
		}},
		{Key: "ok", Value: 1.0},
	})

	res, err := DecodeResponse("find", body, nil)
	require.NoError(t, err)
	require.True(t, res.HasCursor)
	assert.Equal(t, int64(0), res.CursorID)
	assert.Equal(t, "testing.movies", res.Namespace)
	require.Len(t, res.FirstBatch, 2)

	name, ok := res.FirstBatch[0].Lookup("name").StringValueOK()
	require.True(t, ok)
	assert.Equal(t, "Armageddon", name)
}

func TestDecodeResponseAdvancesClock(t *testing.T) {
	clock := &session.ClusterClock{}

	body := marshal(t, bson.D{
		{Key: "ok", Value: 1.0},
		{Key: "operationTime", Value: primitive.Timestamp{T: 500, I: 2}},
		{Key: "$clusterTime", Value: bson.D{{Key: "clusterTime", Value: primitive.Timestamp{T: 500, I: 2}}}},
	})

	_, err := DecodeResponse("find", body, clock)
	require.NoError(t, err)

	require.NotNil(t, clock.OperationTime())
	assert.Equal(t, primitive.Timestamp{T: 500, I: 2}, *clock.OperationTime())
	assert.NotNil(t, clock.ClusterTime())
}

func TestDecodeResponseAdvancesClockOnError(t *testing.T) {
	clock := &session.ClusterClock{}

	body := marshal(t, bson.D{
		{Key: "ok", Value: 0.0},
		{Key: "errmsg", Value: "boom"},
		{Key: "code", Value: int32(8000)},
		{Key: "operationTime", Value: primitive.Timestamp{T: 7, I: 7}},
	})

	_, err := DecodeResponse("find", body, clock)
	require.Error(t, err)
	require.NotNil(t, clock.OperationTime(), "the clock advances even for failed commands")
}

func TestErrorPredicates(t *testing.T) {
	assert.True(t, IsNetworkError(Error{Code: 9001}))
	assert.False(t, IsNetworkError(Error{Code: 1}))

	assert.True(t, IsTimeout(Error{Code: 50}))
	assert.True(t, IsTimeout(Error{Code: 89}))

	assert.True(t, IsTransientTransactionError(Error{Code: 251}))
	assert.True(t, IsTransientTransactionError(Error{Labels: []string{TransientTransactionErrorLabel}}))

	assert.True(t, IsUnknownTransactionCommitResult(Error{Code: 50}))
	assert.True(t, IsUnknownTransactionCommitResult(Error{Labels: []string{UnknownTransactionCommitResultLabel}}))
	assert.False(t, IsUnknownTransactionCommitResult(Error{Code: 11000}))

	assert.True(t, IsDuplicateKeyError(Error{Code: 11001}))
}
