// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package readconcern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

func TestNewValidLevels(t *testing.T) {
	for _, level := range []string{"local", "available", "majority", "linearizable", "snapshot"} {
		rc, err := New(level)
		require.NoError(t, err, "level %q should be accepted", level)
		assert.Equal(t, level, rc.Level())
	}
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New("quorum")
	var invalid ErrInvalidLevel
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "quorum", invalid.Level)
}

func TestAppendElement(t *testing.T) {
	rc := Majority()

	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = rc.AppendElement(dst)
	doc, err := bsoncore.AppendDocumentEnd(dst, idx)
	require.NoError(t, err)

	sub, ok := bsoncore.Document(doc).Lookup("readConcern").DocumentOK()
	require.True(t, ok)

	level, ok := sub.Lookup("level").StringValueOK()
	require.True(t, ok)
	assert.Equal(t, "majority", level)
}

func TestWithAfterClusterTime(t *testing.T) {
	ts := primitive.Timestamp{T: 42, I: 7}

	// A nil receiver produces a concern with only afterClusterTime.
	var rc *ReadConcern
	rc = rc.WithAfterClusterTime(ts)
	assert.Equal(t, "", rc.Level())
	require.NotNil(t, rc.AfterClusterTime())
	assert.Equal(t, ts, *rc.AfterClusterTime())

	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = rc.AppendElement(dst)
	doc, err := bsoncore.AppendDocumentEnd(dst, idx)
	require.NoError(t, err)

	sub, ok := bsoncore.Document(doc).Lookup("readConcern").DocumentOK()
	require.True(t, ok)

	_, err = sub.LookupErr("level")
	assert.Error(t, err, "no level element should be emitted for an empty level")

	tT, tI, ok := sub.Lookup("afterClusterTime").TimestampOK()
	require.True(t, ok)
	assert.Equal(t, uint32(42), tT)
	assert.Equal(t, uint32(7), tI)
}
