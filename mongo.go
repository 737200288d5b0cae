// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongolite

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// transformDocument handles transforming a document of an allowable type
// into raw BSON. Insertion order of the input is preserved: ordered types
// (bson.D, structs, raw BSON) should be used when key order matters, which
// it always does for command verbs.
func transformDocument(document interface{}) (bsoncore.Document, error) {
	switch d := document.(type) {
	case nil:
		return bsoncore.Document{0x05, 0x00, 0x00, 0x00, 0x00}, nil
	case bsoncore.Document:
		return d, nil
	case bson.Raw:
		return bsoncore.Document(d), nil
	case []byte:
		doc := bsoncore.Document(d)
		if err := doc.Validate(); err != nil {
			return nil, fmt.Errorf("%w: invalid BSON document: %s", ErrInvalidArgument, err)
		}
		return doc, nil
	default:
		raw, err := bson.Marshal(document)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot transform type %T to a BSON document: %s", ErrInvalidArgument, document, err)
		}
		return raw, nil
	}
}

// transformFilter is transformDocument plus validation of the top-level
// logical operators: $and, $or, and $nor must hold arrays whose elements
// are documents.
func transformFilter(filter interface{}) (bsoncore.Document, error) {
	doc, err := transformDocument(filter)
	if err != nil {
		return nil, err
	}

	elems, err := doc.Elements()
	if err != nil {
		return nil, fmt.Errorf("%w: invalid filter document: %s", ErrInvalidArgument, err)
	}

	for _, elem := range elems {
		key := elem.Key()
		if key != "$and" && key != "$or" && key != "$nor" {
			continue
		}
		arr, ok := elem.Value().ArrayOK()
		if !ok {
			return nil, fmt.Errorf("%w: %s must hold an array of documents", ErrInvalidArgument, key)
		}
		values, err := arr.Values()
		if err != nil {
			return nil, fmt.Errorf("%w: invalid %s array: %s", ErrInvalidArgument, key, err)
		}
		for _, v := range values {
			if _, ok := v.DocumentOK(); !ok {
				return nil, fmt.Errorf("%w: every element of %s must be a document", ErrInvalidArgument, key)
			}
		}
	}

	return doc, nil
}

// ensureID returns the document with an _id guaranteed present. A missing
// or empty _id is replaced with a UUID v7 rendered as a 36 character
// string; time-ordered IDs keep insertion order roughly index-friendly.
func ensureID(doc bsoncore.Document) (bsoncore.Document, interface{}, error) {
	val, err := doc.LookupErr("_id")
	if err == nil {
		if s, ok := val.StringValueOK(); !ok || s != "" {
			return doc, rawValue(val), nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, nil, err
	}
	idStr := id.String()

	elems, err := doc.Elements()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid document: %s", ErrInvalidArgument, err)
	}

	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "_id", idStr)
	for _, elem := range elems {
		if elem.Key() == "_id" {
			continue
		}
		dst = append(dst, elem...)
	}
	out, err := bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		return nil, nil, err
	}
	return out, idStr, nil
}

func rawValue(val bsoncore.Value) interface{} {
	var out interface{}
	if err := bson.UnmarshalValue(val.Type, val.Data, &out); err != nil {
		return nil
	}
	return out
}

// ensureDollarKey validates that an update document consists of operator
// expressions.
func ensureDollarKey(doc bsoncore.Document) error {
	elem, err := doc.IndexErr(0)
	if err != nil {
		return fmt.Errorf("%w: update document must not be empty", ErrInvalidArgument)
	}
	key, err := elem.KeyErr()
	if err != nil || !strings.HasPrefix(key, "$") {
		return fmt.Errorf("%w: update document must contain key beginning with '$'", ErrInvalidArgument)
	}
	return nil
}

// transformAggregatePipeline converts the supported pipeline shapes into a
// slice of stage documents.
func transformAggregatePipeline(pipeline interface{}) ([]bsoncore.Document, error) {
	switch p := pipeline.(type) {
	case []bsoncore.Document:
		return p, nil
	case bson.A:
		out := make([]bsoncore.Document, 0, len(p))
		for _, stage := range p {
			doc, err := transformDocument(stage)
			if err != nil {
				return nil, err
			}
			out = append(out, doc)
		}
		return out, nil
	case []interface{}:
		return transformAggregatePipeline(bson.A(p))
	case []bson.D:
		out := make([]bsoncore.Document, 0, len(p))
		for _, stage := range p {
			doc, err := transformDocument(stage)
			if err != nil {
				return nil, err
			}
			out = append(out, doc)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: cannot transform type %T to an aggregation pipeline", ErrInvalidArgument, pipeline)
	}
}

// decodeDocuments converts raw batch documents into bson.D values for
// callers who want decoded results.
func decodeDocuments(docs []bsoncore.Document) ([]bson.D, error) {
	out := make([]bson.D, 0, len(docs))
	for _, doc := range docs {
		var d bson.D
		if err := bson.Unmarshal(doc, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
