// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongolite

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/mongolite/mongolite/core/command"
)

// Insert inserts a single document. A missing or empty _id is filled with a
// UUID v7 string before the document is sent; the prepared document is
// returned.
func (c *Client) Insert(ctx context.Context, collection string, document interface{}, opts *InsertOptions) (bson.D, error) {
	if opts == nil {
		opts = &InsertOptions{}
	}

	raw, err := transformDocument(document)
	if err != nil {
		return nil, err
	}
	raw, _, err = ensureID(raw)
	if err != nil {
		return nil, err
	}

	cmd := command.New("insert", collection, c.database).
		AppendArray("documents", []bsoncore.Document{raw}).
		Session(opts.Session).
		WriteConcern(opts.WriteConcern).
		Extra(opts.Extra)

	if _, err := c.runCommand(ctx, cmd); err != nil {
		return nil, err
	}

	var out bson.D
	if err := bson.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InsertMany inserts documents in batches. Each batch is one insert
// command; with Ordered (the default) the server stops at the first failing
// document and the remaining batches are not attempted. The prepared
// documents are returned on success; failures surface as a
// BulkWriteException carrying the partial result.
func (c *Client) InsertMany(ctx context.Context, collection string, documents []interface{}, opts *InsertManyOptions) ([]bson.D, error) {
	if opts == nil {
		opts = &InsertManyOptions{}
	}
	if len(documents) == 0 {
		return nil, errors.New("mongolite: documents must not be empty")
	}

	ordered := true
	if opts.Ordered != nil {
		ordered = *opts.Ordered
	}

	prepared := make([]bsoncore.Document, 0, len(documents))
	for _, document := range documents {
		raw, err := transformDocument(document)
		if err != nil {
			return nil, err
		}
		raw, _, err = ensureID(raw)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, raw)
	}

	bwe := BulkWriteException{}
	failed := false
	var inserted int64

	for start := 0; start < len(prepared); start += c.batchSize {
		end := start + c.batchSize
		if end > len(prepared) {
			end = len(prepared)
		}

		cmd := command.New("insert", collection, c.database).
			AppendArray("documents", prepared[start:end]).
			AppendBoolean("ordered", ordered).
			Session(opts.Session).
			WriteConcern(opts.WriteConcern).
			Extra(opts.Extra)

		res, err := c.runCommand(ctx, cmd)
		if err != nil {
			var wce command.WriteCommandError
			if !errors.As(err, &wce) {
				return nil, err
			}

			failed = true
			for _, we := range wce.WriteErrors {
				we.Index += int64(start)
				bwe.WriteErrors = append(bwe.WriteErrors, we)
			}
			if wce.WriteConcernError != nil {
				bwe.WriteConcernError = wce.WriteConcernError
			}
			bwe.Labels = append(bwe.Labels, wce.Labels...)

			if ordered {
				break
			}
			continue
		}
		inserted += res.N
	}

	docs, err := decodeDocuments(prepared)
	if err != nil {
		return nil, err
	}

	if failed {
		bwe.InsertedCount = inserted
		bwe.PartialResult = docs
		return nil, bwe
	}
	return docs, nil
}

func writeEntry(q, u bsoncore.Document, multi, upsert bool) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendDocumentElement(dst, "q", q)
	dst = bsoncore.AppendDocumentElement(dst, "u", u)
	dst = bsoncore.AppendBooleanElement(dst, "multi", multi)
	dst = bsoncore.AppendBooleanElement(dst, "upsert", upsert)
	doc, _ := bsoncore.AppendDocumentEnd(dst, idx)
	return doc
}

// Update applies an operator-expression update to the documents matching
// filter and returns the server's n (documents matched, or upserted).
func (c *Client) Update(ctx context.Context, collection string, filter, update interface{}, opts *UpdateOptions) (int64, error) {
	if opts == nil {
		opts = &UpdateOptions{}
	}

	q, err := transformFilter(filter)
	if err != nil {
		return 0, err
	}
	u, err := transformDocument(update)
	if err != nil {
		return 0, err
	}
	if err := ensureDollarKey(u); err != nil {
		return 0, err
	}

	cmd := command.New("update", collection, c.database).
		AppendArray("updates", []bsoncore.Document{writeEntry(q, u, opts.Multi, opts.Upsert)}).
		Session(opts.Session).
		WriteConcern(opts.WriteConcern).
		Extra(opts.Extra)

	res, err := c.runCommand(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return res.N, nil
}

// Upsert runs a bulk update with upsert forced on for every operation and
// returns the total affected count.
func (c *Client) Upsert(ctx context.Context, collection string, operations []UpsertOperation, opts *UpdateOptions) (int64, error) {
	if opts == nil {
		opts = &UpdateOptions{}
	}
	if len(operations) == 0 {
		return 0, errors.New("mongolite: operations must not be empty")
	}

	entries := make([]bsoncore.Document, 0, len(operations))
	for _, op := range operations {
		q, err := transformFilter(op.Filter)
		if err != nil {
			return 0, err
		}
		u, err := transformDocument(op.Update)
		if err != nil {
			return 0, err
		}
		if err := ensureDollarKey(u); err != nil {
			return 0, err
		}
		entries = append(entries, writeEntry(q, u, op.Multi, true))
	}

	cmd := command.New("update", collection, c.database).
		AppendArray("updates", entries).
		Session(opts.Session).
		WriteConcern(opts.WriteConcern).
		Extra(opts.Extra)

	res, err := c.runCommand(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return res.N, nil
}

// Find runs a query and returns the interpreted cursor response. Further
// batches are fetched with GetMore using the result's CursorID.
func (c *Client) Find(ctx context.Context, collection string, filter interface{}, opts *FindOptions) (*command.Result, error) {
	if opts == nil {
		opts = &FindOptions{}
	}

	q, err := transformFilter(filter)
	if err != nil {
		return nil, err
	}

	cmd := command.New("find", collection, c.database).
		AppendDocument("filter", q)

	if opts.Sort != nil {
		sort, err := transformDocument(opts.Sort)
		if err != nil {
			return nil, err
		}
		cmd.AppendDocument("sort", sort)
	}
	if opts.Projection != nil {
		projection, err := transformDocument(opts.Projection)
		if err != nil {
			return nil, err
		}
		cmd.AppendDocument("projection", projection)
	}
	if opts.Skip > 0 {
		cmd.AppendInt64("skip", opts.Skip)
	}
	if opts.Limit > 0 {
		cmd.AppendInt64("limit", opts.Limit)
	}
	if opts.BatchSize > 0 {
		cmd.AppendInt32("batchSize", opts.BatchSize)
	}
	if opts.MaxTimeMS > 0 {
		cmd.AppendInt64("maxTimeMS", opts.MaxTimeMS)
	}

	cmd.Session(opts.Session).ReadConcern(opts.ReadConcern).Extra(opts.Extra)

	return c.runCommand(ctx, cmd)
}

// FindAndModify atomically modifies and returns a single document.
func (c *Client) FindAndModify(ctx context.Context, collection string, opts *FindAndModifyOptions) (*command.Result, error) {
	if opts == nil {
		opts = &FindAndModifyOptions{}
	}

	cmd := command.New("findAndModify", collection, c.database)

	if opts.Query != nil {
		q, err := transformFilter(opts.Query)
		if err != nil {
			return nil, err
		}
		cmd.AppendDocument("query", q)
	}
	if opts.Sort != nil {
		sort, err := transformDocument(opts.Sort)
		if err != nil {
			return nil, err
		}
		cmd.AppendDocument("sort", sort)
	}
	if opts.Remove {
		cmd.AppendBoolean("remove", true)
	} else if opts.Update != nil {
		u, err := transformDocument(opts.Update)
		if err != nil {
			return nil, err
		}
		cmd.AppendDocument("update", u)
	}
	if opts.New {
		cmd.AppendBoolean("new", true)
	}
	if opts.Fields != nil {
		fields, err := transformDocument(opts.Fields)
		if err != nil {
			return nil, err
		}
		cmd.AppendDocument("fields", fields)
	}
	if opts.Upsert {
		cmd.AppendBoolean("upsert", true)
	}
	if opts.MaxTimeMS > 0 {
		cmd.AppendInt64("maxTimeMS", opts.MaxTimeMS)
	}

	cmd.Session(opts.Session).WriteConcern(opts.WriteConcern).Extra(opts.Extra)

	return c.runCommand(ctx, cmd)
}

// Delete removes the first matching document, or every matching document
// with Multi, and returns the removed count.
func (c *Client) Delete(ctx context.Context, collection string, filter interface{}, opts *DeleteOptions) (int64, error) {
	if opts == nil {
		opts = &DeleteOptions{}
	}

	q, err := transformFilter(filter)
	if err != nil {
		return 0, err
	}

	limit := int32(1)
	if opts.Multi {
		limit = 0
	}

	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendDocumentElement(dst, "q", q)
	dst = bsoncore.AppendInt32Element(dst, "limit", limit)
	entry, _ := bsoncore.AppendDocumentEnd(dst, idx)

	cmd := command.New("delete", collection, c.database).
		AppendArray("deletes", []bsoncore.Document{entry}).
		Session(opts.Session).
		WriteConcern(opts.WriteConcern).
		Extra(opts.Extra)

	res, err := c.runCommand(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return res.N, nil
}

// Count returns the number of documents matching filter. Errors surface to
// the caller rather than collapsing to zero.
func (c *Client) Count(ctx context.Context, collection string, filter interface{}, opts *CountOptions) (int64, error) {
	if opts == nil {
		opts = &CountOptions{}
	}

	cmd := command.New("count", collection, c.database)

	if filter != nil {
		q, err := transformFilter(filter)
		if err != nil {
			return 0, err
		}
		cmd.AppendDocument("query", q)
	}
	if opts.Skip > 0 {
		cmd.AppendInt64("skip", opts.Skip)
	}
	if opts.Limit > 0 {
		cmd.AppendInt64("limit", opts.Limit)
	}
	if opts.MaxTimeMS > 0 {
		cmd.AppendInt64("maxTimeMS", opts.MaxTimeMS)
	}

	cmd.Session(opts.Session).ReadConcern(opts.ReadConcern).Extra(opts.Extra)

	res, err := c.runCommand(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return res.N, nil
}

// Aggregate runs an aggregation pipeline. The command always carries a
// cursor document, as the server requires.
func (c *Client) Aggregate(ctx context.Context, collection string, pipeline interface{}, opts *AggregateOptions) (*command.Result, error) {
	if opts == nil {
		opts = &AggregateOptions{}
	}

	stages, err := transformAggregatePipeline(pipeline)
	if err != nil {
		return nil, err
	}

	cidx, cdst := bsoncore.AppendDocumentStart(nil)
	if opts.BatchSize > 0 {
		cdst = bsoncore.AppendInt32Element(cdst, "batchSize", opts.BatchSize)
	}
	cursor, _ := bsoncore.AppendDocumentEnd(cdst, cidx)

	cmd := command.New("aggregate", collection, c.database).
		AppendArray("pipeline", stages).
		AppendDocument("cursor", cursor)

	if opts.MaxTimeMS > 0 {
		cmd.AppendInt64("maxTimeMS", opts.MaxTimeMS)
	}

	cmd.Session(opts.Session).ReadConcern(opts.ReadConcern).Extra(opts.Extra)

	return c.runCommand(ctx, cmd)
}

// GetMore fetches the next batch from an open cursor. getMore never
// carries a readConcern; the injection routine enforces this.
func (c *Client) GetMore(ctx context.Context, collection string, cursorID int64, opts *GetMoreOptions) (*command.Result, error) {
	if opts == nil {
		opts = &GetMoreOptions{}
	}

	cmd := command.NewInt64("getMore", cursorID, c.database).
		AppendString("collection", collection)

	if opts.BatchSize > 0 {
		cmd.AppendInt32("batchSize", opts.BatchSize)
	}
	if opts.MaxTimeMS > 0 {
		cmd.AppendInt64("maxTimeMS", opts.MaxTimeMS)
	}

	cmd.Session(opts.Session)

	return c.runCommand(ctx, cmd)
}

// LastDocument returns the newest document of a collection by _id order, or
// nil when the collection is empty.
func (c *Client) LastDocument(ctx context.Context, collection string) (bson.D, error) {
	res, err := c.Find(ctx, collection, nil, &FindOptions{
		Sort:  bson.D{{Key: "_id", Value: -1}},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(res.FirstBatch) == 0 {
		return nil, nil
	}

	var doc bson.D
	if err := bson.Unmarshal(res.FirstBatch[0], &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
