// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readconcern defines read concerns for MongoDB operations.
package readconcern

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// The read concern levels accepted by the server.
const (
	LevelLocal        = "local"
	LevelAvailable    = "available"
	LevelMajority     = "majority"
	LevelLinearizable = "linearizable"
	LevelSnapshot     = "snapshot"
)

// ErrInvalidLevel is returned when a read concern is built with a level the
// server does not recognize.
type ErrInvalidLevel struct {
	Level string
}

// Error implements the error interface.
func (e ErrInvalidLevel) Error() string {
	return fmt.Sprintf("readconcern: invalid level %q", e.Level)
}

// ReadConcern for replica sets and replica set shards determines which data
// to return from a query.
type ReadConcern struct {
	level            string
	afterClusterTime *primitive.Timestamp
}

// New constructs a ReadConcern with the given level. An empty level yields a
// concern that only carries an afterClusterTime once one is attached.
func New(level string) (*ReadConcern, error) {
	switch level {
	case "", LevelLocal, LevelAvailable, LevelMajority, LevelLinearizable, LevelSnapshot:
		return &ReadConcern{level: level}, nil
	default:
		return nil, ErrInvalidLevel{Level: level}
	}
}

// Local returns a read concern with level "local".
func Local() *ReadConcern { return &ReadConcern{level: LevelLocal} }

// Majority returns a read concern with level "majority".
func Majority() *ReadConcern { return &ReadConcern{level: LevelMajority} }

// Level returns the configured level.
func (rc *ReadConcern) Level() string {
	if rc == nil {
		return ""
	}
	return rc.level
}

// AfterClusterTime returns the attached causal consistency timestamp, if
// any.
func (rc *ReadConcern) AfterClusterTime() *primitive.Timestamp {
	if rc == nil {
		return nil
	}
	return rc.afterClusterTime
}

// WithAfterClusterTime returns a copy of rc carrying the given timestamp.
// A nil receiver yields a concern with no level.
func (rc *ReadConcern) WithAfterClusterTime(ts primitive.Timestamp) *ReadConcern {
	out := &ReadConcern{afterClusterTime: &ts}
	if rc != nil {
		out.level = rc.level
	}
	return out
}

// AppendElement appends the readConcern element to dst.
func (rc *ReadConcern) AppendElement(dst []byte) []byte {
	idx, dst := bsoncore.AppendDocumentElementStart(dst, "readConcern")
	if rc.level != "" {
		dst = bsoncore.AppendStringElement(dst, "level", rc.level)
	}
	if rc.afterClusterTime != nil {
		dst = bsoncore.AppendTimestampElement(dst, "afterClusterTime", rc.afterClusterTime.T, rc.afterClusterTime.I)
	}
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}
