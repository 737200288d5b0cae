// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// ClusterClock is the per-connection causal consistency tracker, shared by
// every session on that connection. It retains
// the highest operationTime and $clusterTime observed across all responses
// on the connection; stale writes lose because the merge keeps the maximum.
type ClusterClock struct {
	mu          sync.Mutex
	opTime      *primitive.Timestamp
	clusterTime bsoncore.Document
}

// OperationTime returns the most recent operation time, or nil if none has
// been observed.
func (c *ClusterClock) OperationTime() *primitive.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opTime == nil {
		return nil
	}
	ts := *c.opTime
	return &ts
}

// ClusterTime returns the most recent $clusterTime document, or nil.
func (c *ClusterClock) ClusterTime() bsoncore.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clusterTime
}

// AdvanceOperationTime merges ts into the clock, keeping the maximum.
func (c *ClusterClock) AdvanceOperationTime(ts primitive.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opTime == nil || primitive.CompareTimestamp(ts, *c.opTime) > 0 {
		c.opTime = &ts
	}
}

// AdvanceClusterTime merges the given $clusterTime document into the clock,
// keeping whichever embeds the higher clusterTime timestamp.
func (c *ClusterClock) AdvanceClusterTime(doc bsoncore.Document) {
	if len(doc) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clusterTime == nil {
		c.clusterTime = doc
		return
	}
	if compareClusterTimes(doc, c.clusterTime) > 0 {
		c.clusterTime = doc
	}
}

// Reset clears the clock. Called when the owning connection closes.
func (c *ClusterClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opTime = nil
	c.clusterTime = nil
}

func compareClusterTimes(a, b bsoncore.Document) int {
	at, ai, aok := a.Lookup("clusterTime").TimestampOK()
	bt, bi, bok := b.Lookup("clusterTime").TimestampOK()
	if !aok {
		if !bok {
			return 0
		}
		return -1
	}
	if !bok {
		return 1
	}
	return primitive.CompareTimestamp(primitive.Timestamp{T: at, I: ai}, primitive.Timestamp{T: bt, I: bi})
}
