// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongolite

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/mongolite/mongolite/core/auth"
	"github.com/mongolite/mongolite/core/command"
)

// ListDatabaseNames returns the names of all databases on the server.
func (c *Client) ListDatabaseNames(ctx context.Context) ([]string, error) {
	cmd := command.NewInt32("listDatabases", 1, auth.DefaultAuthDB).
		AppendBoolean("nameOnly", true)

	res, err := c.runCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}

	arr, ok := res.Document.Lookup("databases").ArrayOK()
	if !ok {
		return nil, fmt.Errorf("mongolite: listDatabases response is missing databases")
	}
	values, err := arr.Values()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(values))
	for _, v := range values {
		doc, ok := v.DocumentOK()
		if !ok {
			continue
		}
		if name, ok := doc.Lookup("name").StringValueOK(); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// DropDatabase removes the client's database and everything in it.
func (c *Client) DropDatabase(ctx context.Context) (bool, error) {
	if _, err := c.runCommand(ctx, command.NewInt32("dropDatabase", 1, c.database)); err != nil {
		return false, err
	}
	return true, nil
}

// ListCollections returns the raw listCollections cursor response,
// optionally filtered.
func (c *Client) ListCollections(ctx context.Context, filter interface{}, nameOnly bool) (*command.Result, error) {
	cmd := command.NewInt32("listCollections", 1, c.database)

	if filter != nil {
		f, err := transformDocument(filter)
		if err != nil {
			return nil, err
		}
		cmd.AppendDocument("filter", f)
	}
	if nameOnly {
		cmd.AppendBoolean("nameOnly", true)
	}

	return c.runCommand(ctx, cmd)
}

// ListCollectionNames returns the collection names matching filter.
func (c *Client) ListCollectionNames(ctx context.Context, filter interface{}) ([]string, error) {
	res, err := c.ListCollections(ctx, filter, true)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(res.FirstBatch))
	for _, doc := range res.FirstBatch {
		if name, ok := doc.Lookup("name").StringValueOK(); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// CreateCollection explicitly creates a collection. The name is checked
// against listCollections first; an existing collection is an
// AlreadyExistsError rather than a silent success.
func (c *Client) CreateCollection(ctx context.Context, name string, opts *CreateCollectionOptions) (bool, error) {
	if opts == nil {
		opts = &CreateCollectionOptions{}
	}

	existing, err := c.ListCollectionNames(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, AlreadyExistsError{Name: name}
	}

	cmd := command.New("create", name, c.database)
	if opts.Capped {
		cmd.AppendBoolean("capped", true)
		cmd.AppendInt64("size", opts.SizeB)
		if opts.MaxDocs > 0 {
			cmd.AppendInt64("max", opts.MaxDocs)
		}
	}
	cmd.Session(opts.Session).Extra(opts.Extra)

	if _, err := c.runCommand(ctx, cmd); err != nil {
		return false, err
	}
	return true, nil
}

// DropCollection removes a collection and its indexes.
func (c *Client) DropCollection(ctx context.Context, name string) (bool, error) {
	if _, err := c.runCommand(ctx, command.New("drop", name, c.database)); err != nil {
		return false, err
	}
	return true, nil
}

// indexName derives the server's conventional name for an index key
// pattern: field and direction pairs joined with underscores.
func indexName(keys bsoncore.Document) string {
	elems, err := keys.Elements()
	if err != nil {
		return ""
	}

	parts := make([]string, 0, len(elems))
	for _, elem := range elems {
		val := elem.Value()
		direction := "1"
		if i, ok := val.Int32OK(); ok {
			direction = fmt.Sprintf("%d", i)
		} else if i, ok := val.Int64OK(); ok {
			direction = fmt.Sprintf("%d", i)
		} else if s, ok := val.StringValueOK(); ok {
			direction = s
		}
		parts = append(parts, elem.Key()+"_"+direction)
	}
	return strings.Join(parts, "_")
}

// CreateIndexes builds the given indexes on a collection.
//
// A unique index without a partialFilterExpression is additionally marked
// sparse. This preserves long-standing behavior around incomplete unique
// indexes; callers that need a dense unique index can set a partial filter
// expression matching everything.
func (c *Client) CreateIndexes(ctx context.Context, collection string, indexes []IndexModel, opts *CreateIndexesOptions) (bool, error) {
	if len(indexes) == 0 {
		return false, fmt.Errorf("%w: indexes must not be empty", ErrInvalidArgument)
	}
	if opts == nil {
		opts = &CreateIndexesOptions{}
	}

	docs := make([]bsoncore.Document, 0, len(indexes))
	for _, model := range indexes {
		keys, err := transformDocument(model.Keys)
		if err != nil {
			return false, err
		}

		name := model.Name
		if name == "" {
			name = indexName(keys)
		}

		sparse := model.Sparse
		if model.Unique && model.PartialFilterExpression == nil {
			sparse = true
		}

		idx, dst := bsoncore.AppendDocumentStart(nil)
		dst = bsoncore.AppendDocumentElement(dst, "key", keys)
		dst = bsoncore.AppendStringElement(dst, "name", name)
		if model.Unique {
			dst = bsoncore.AppendBooleanElement(dst, "unique", true)
		}
		if sparse {
			dst = bsoncore.AppendBooleanElement(dst, "sparse", true)
		}
		if model.PartialFilterExpression != nil {
			pfe, err := transformDocument(model.PartialFilterExpression)
			if err != nil {
				return false, err
			}
			dst = bsoncore.AppendDocumentElement(dst, "partialFilterExpression", pfe)
		}
		if model.ExpireAfterSeconds != nil {
			dst = bsoncore.AppendInt32Element(dst, "expireAfterSeconds", *model.ExpireAfterSeconds)
		}
		if len(model.Extra) > 0 {
			raw, err := bson.Marshal(model.Extra)
			if err != nil {
				return false, err
			}
			elems, err := bsoncore.Document(raw).Elements()
			if err != nil {
				return false, err
			}
			for _, elem := range elems {
				dst = append(dst, elem...)
			}
		}
		doc, err := bsoncore.AppendDocumentEnd(dst, idx)
		if err != nil {
			return false, err
		}
		docs = append(docs, doc)
	}

	cmd := command.New("createIndexes", collection, c.database).
		AppendArray("indexes", docs).
		Session(opts.Session).
		WriteConcern(opts.WriteConcern).
		Extra(opts.Extra)

	if _, err := c.runCommand(ctx, cmd); err != nil {
		return false, err
	}
	return true, nil
}

// DropIndexes drops the named index, or every index with "*".
func (c *Client) DropIndexes(ctx context.Context, collection, index string) (bool, error) {
	cmd := command.New("dropIndexes", collection, c.database).
		AppendString("index", index)

	if _, err := c.runCommand(ctx, cmd); err != nil {
		return false, err
	}
	return true, nil
}
