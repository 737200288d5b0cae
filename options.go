// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongolite

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/mongolite/mongolite/core/readconcern"
	"github.com/mongolite/mongolite/core/session"
	"github.com/mongolite/mongolite/core/writeconcern"
	"github.com/mongolite/mongolite/internal/logger"
)

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithCooperativeScheduling selects the cooperative receive mode, where the
// connection polls with a fixed short interval so a single-threaded
// scheduler regains control between chunks.
func WithCooperativeScheduling() ClientOption {
	return func(c *Client) { c.cooperative = true }
}

// WithCompressors sets the compressor names offered to the server, in
// preference order. Supported: "snappy", "zlib", "zstd".
func WithCompressors(names []string) ClientOption {
	return func(c *Client) { c.compressors = names }
}

// WithBatchSize overrides the number of documents per insertMany batch.
func WithBatchSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithLogSink routes the client's log output to the given sink.
func WithLogSink(sink logger.LogSink) ClientOption {
	return func(c *Client) { c.log = logger.New(sink, 0, nil) }
}

// InsertOptions are the options for Insert.
type InsertOptions struct {
	Session      *session.Session
	WriteConcern *writeconcern.WriteConcern
	Extra        bson.D
}

// InsertManyOptions are the options for InsertMany.
type InsertManyOptions struct {
	Session      *session.Session
	WriteConcern *writeconcern.WriteConcern

	// Ordered stops the server at the first failing document of a batch
	// and skips the remaining batches entirely. Defaults to true.
	Ordered *bool
	Extra   bson.D
}

// UpdateOptions are the options for Update.
type UpdateOptions struct {
	Session      *session.Session
	WriteConcern *writeconcern.WriteConcern

	// Multi applies the update to every matching document.
	Multi  bool
	Upsert bool
	Extra  bson.D
}

// UpsertOperation is one filter/update pair of a bulk Upsert.
type UpsertOperation struct {
	Filter interface{}
	Update interface{}
	Multi  bool
}

// FindOptions are the options for Find.
type FindOptions struct {
	Session     *session.Session
	ReadConcern *readconcern.ReadConcern

	Sort       interface{}
	Projection interface{}
	Skip       int64
	Limit      int64
	BatchSize  int32
	MaxTimeMS  int64
	Extra      bson.D
}

// AggregateOptions are the options for Aggregate.
type AggregateOptions struct {
	Session     *session.Session
	ReadConcern *readconcern.ReadConcern

	BatchSize int32
	MaxTimeMS int64
	Extra     bson.D
}

// FindAndModifyOptions are the options for FindAndModify. Exactly one of
// Update or Remove should be set.
type FindAndModifyOptions struct {
	Session      *session.Session
	WriteConcern *writeconcern.WriteConcern

	Query     interface{}
	Update    interface{}
	Sort      interface{}
	Fields    interface{}
	Remove    bool
	New       bool
	Upsert    bool
	MaxTimeMS int64
	Extra     bson.D
}

// DeleteOptions are the options for Delete.
type DeleteOptions struct {
	Session      *session.Session
	WriteConcern *writeconcern.WriteConcern

	// Multi removes every matching document instead of the first.
	Multi bool
	Extra bson.D
}

// CountOptions are the options for Count.
type CountOptions struct {
	Session     *session.Session
	ReadConcern *readconcern.ReadConcern

	Skip      int64
	Limit     int64
	MaxTimeMS int64
	Extra     bson.D
}

// GetMoreOptions are the options for GetMore.
type GetMoreOptions struct {
	Session   *session.Session
	BatchSize int32
	MaxTimeMS int64
}

// CreateCollectionOptions are the options for CreateCollection.
type CreateCollectionOptions struct {
	Session *session.Session
	Capped  bool
	SizeB   int64
	MaxDocs int64
	Extra   bson.D
}

// CreateIndexesOptions are the options for CreateIndexes.
type CreateIndexesOptions struct {
	Session      *session.Session
	WriteConcern *writeconcern.WriteConcern
	Extra        bson.D
}

// IndexModel describes a single index for CreateIndexes.
type IndexModel struct {
	Keys                    interface{}
	Name                    string
	Unique                  bool
	Sparse                  bool
	PartialFilterExpression interface{}
	ExpireAfterSeconds      *int32
	Extra                   bson.D
}

// SessionOptions are the options for StartSession.
type SessionOptions struct {
	// CausalConsistency defaults to true.
	CausalConsistency *bool

	DefaultTransactionOptions *session.TransactionOptions
}

// NewReadConcern builds a read concern from a level string, rejecting
// levels the server does not recognize.
func NewReadConcern(level string) (*readconcern.ReadConcern, error) {
	return readconcern.New(level)
}

// NewWriteConcern builds a write concern from the given options, rejecting
// invalid w, j, and wtimeout values.
func NewWriteConcern(opts ...writeconcern.Option) (*writeconcern.WriteConcern, error) {
	return writeconcern.New(opts...)
}
