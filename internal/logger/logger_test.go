// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

type recordingSink struct {
	messages []string
	kvs      [][]interface{}
}

func (s *recordingSink) Info(_ int, msg string, keysAndValues ...interface{}) {
	s.messages = append(s.messages, msg)
	s.kvs = append(s.kvs, keysAndValues)
}

func TestComponentLevelFiltering(t *testing.T) {
	sink := &recordingSink{}
	l := New(sink, 0, map[Component]Level{
		ComponentCommand:    LevelDebug,
		ComponentConnection: LevelOff,
	})

	l.Print(LevelDebug, ComponentCommand, "sent")
	l.Print(LevelDebug, ComponentConnection, "dialed")
	l.Print(LevelInfo, ComponentConnection, "closed")

	assert.Equal(t, []string{"sent"}, sink.messages)
}

func TestComponentAllOverrides(t *testing.T) {
	sink := &recordingSink{}
	l := New(sink, 0, map[Component]Level{ComponentAll: LevelDebug})

	l.Print(LevelDebug, ComponentTransaction, "started")
	assert.Len(t, sink.messages, 1)
}

func TestDocumentTruncation(t *testing.T) {
	raw, err := bson.Marshal(bson.D{{Key: "filler", Value: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}})
	require.NoError(t, err)

	sink := &recordingSink{}
	l := New(sink, 16, map[Component]Level{ComponentCommand: LevelDebug})

	l.Print(LevelDebug, ComponentCommand, "command started", "command", bsoncore.Document(raw))

	require.Len(t, sink.kvs, 1)
	require.Len(t, sink.kvs[0], 2)
	str, ok := sink.kvs[0][1].(string)
	require.True(t, ok)
	assert.LessOrEqual(t, len(str), 16+len(TruncationSuffix))
}

func TestTruncatePreservesUTF8Boundaries(t *testing.T) {
	str := "héllo wörld, héllo wörld"
	out := truncate(str, 6)
	assert.LessOrEqual(t, len(out), 6+len(TruncationSuffix))
	for _, r := range out {
		assert.NotEqual(t, rune(0xFFFD), r, "truncation must not split a multi-byte character")
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelDebug, ParseLevel("TRACE"))
	assert.Equal(t, LevelInfo, ParseLevel("warn"))
	assert.Equal(t, LevelOff, ParseLevel("nonsense"))
	assert.Equal(t, LevelOff, ParseLevel(""))
}

func TestNilLoggerIsSilent(t *testing.T) {
	var l *Logger
	assert.False(t, l.Is(LevelInfo, ComponentCommand))
}
