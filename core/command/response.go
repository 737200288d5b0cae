// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package command

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/mongolite/mongolite/core/session"
)

// Result is the interpreted outcome of a command.
type Result struct {
	// Document is the complete response body.
	Document bsoncore.Document

	// N is the server's scalar count result, valid when HasN is set.
	N    int64
	HasN bool

	// Cursor fields, populated when the response carries a cursor.
	CursorID   int64
	Namespace  string
	FirstBatch []bsoncore.Document
	HasCursor  bool
}

// DecodeResponse inspects a decoded response body and either returns an
// interpreted result or a categorized error. Regardless of outcome, the
// causal consistency clock is advanced from operationTime and $clusterTime
// when present.
func DecodeResponse(operationType string, body bsoncore.Document, clock *session.ClusterClock) (*Result, error) {
	if clock != nil {
		if t, i, ok := body.Lookup("operationTime").TimestampOK(); ok {
			clock.AdvanceOperationTime(primitive.Timestamp{T: t, I: i})
		}
		if ct, ok := body.Lookup("$clusterTime").DocumentOK(); ok {
			clock.AdvanceClusterTime(ct)
		}
	}

	if err := extractWriteError(operationType, body); err != nil {
		return nil, err
	}

	if msg, ok := body.Lookup("errmsg").StringValueOK(); ok {
		return nil, Error{
			Code:          lookupInt32(body, "code"),
			Name:          lookupString(body, "codeName"),
			Message:       msg,
			Labels:        lookupLabels(body),
			OperationType: operationType,
		}
	}

	res := &Result{Document: body}
	res.parseCursor(body)

	okVal := lookupOK(body)

	if n, ok := lookupInt64OK(body, "n"); ok && okVal == 1.0 {
		res.N = n
		res.HasN = true
		return res, nil
	}

	if okVal == 1.0 {
		return res, nil
	}

	// No errmsg and not ok: surface whatever cursor batch is present, or
	// the raw document for the caller to inspect.
	return res, nil
}

func (r *Result) parseCursor(body bsoncore.Document) {
	cursor, ok := body.Lookup("cursor").DocumentOK()
	if !ok {
		return
	}

	r.HasCursor = true
	if id, ok := lookupInt64OK(cursor, "id"); ok {
		r.CursorID = id
	}
	r.Namespace = lookupString(cursor, "ns")

	batch, ok := cursor.Lookup("firstBatch").ArrayOK()
	if !ok {
		batch, ok = cursor.Lookup("nextBatch").ArrayOK()
	}
	if !ok {
		return
	}

	values, err := batch.Values()
	if err != nil {
		return
	}
	r.FirstBatch = make([]bsoncore.Document, 0, len(values))
	for _, v := range values {
		if doc, ok := v.DocumentOK(); ok {
			r.FirstBatch = append(r.FirstBatch, doc)
		}
	}
}

func extractWriteError(operationType string, body bsoncore.Document) error {
	var wce WriteCommandError

	if arr, ok := body.Lookup("writeErrors").ArrayOK(); ok {
		values, err := arr.Values()
		if err == nil {
			for _, v := range values {
				doc, ok := v.DocumentOK()
				if !ok {
					continue
				}
				wce.WriteErrors = append(wce.WriteErrors, WriteError{
					Index:   int64(lookupInt32(doc, "index")),
					Code:    lookupInt32(doc, "code"),
					Message: lookupString(doc, "errmsg"),
				})
			}
		}
	}

	if doc, ok := body.Lookup("writeConcernError").DocumentOK(); ok {
		wce.WriteConcernError = &WriteConcernError{
			Code:    lookupInt32(doc, "code"),
			Name:    lookupString(doc, "codeName"),
			Message: lookupString(doc, "errmsg"),
		}
	}

	if len(wce.WriteErrors) == 0 && wce.WriteConcernError == nil {
		return nil
	}

	wce.Labels = lookupLabels(body)
	wce.OperationType = operationType
	return wce
}

func lookupOK(body bsoncore.Document) float64 {
	val, err := body.LookupErr("ok")
	if err != nil {
		return 0
	}
	if f, ok := val.DoubleOK(); ok {
		return f
	}
	if i, ok := val.Int32OK(); ok {
		return float64(i)
	}
	if i, ok := val.Int64OK(); ok {
		return float64(i)
	}
	return 0
}

func lookupInt32(doc bsoncore.Document, key string) int32 {
	val, err := doc.LookupErr(key)
	if err != nil {
		return 0
	}
	if i, ok := val.Int32OK(); ok {
		return i
	}
	if i, ok := val.Int64OK(); ok {
		return int32(i)
	}
	if f, ok := val.DoubleOK(); ok {
		return int32(f)
	}
	return 0
}

func lookupInt64OK(doc bsoncore.Document, key string) (int64, bool) {
	val, err := doc.LookupErr(key)
	if err != nil {
		return 0, false
	}
	if i, ok := val.Int64OK(); ok {
		return i, true
	}
	if i, ok := val.Int32OK(); ok {
		return int64(i), true
	}
	if f, ok := val.DoubleOK(); ok {
		return int64(f), true
	}
	return 0, false
}

func lookupString(doc bsoncore.Document, key string) string {
	val, err := doc.LookupErr(key)
	if err != nil {
		return ""
	}
	s, _ := val.StringValueOK()
	return s
}

func lookupLabels(doc bsoncore.Document) []string {
	arr, ok := doc.Lookup("errorLabels").ArrayOK()
	if !ok {
		return nil
	}
	values, err := arr.Values()
	if err != nil {
		return nil
	}
	labels := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.StringValueOK(); ok {
			labels = append(labels, s)
		}
	}
	return labels
}
