// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package command assembles command documents for the wire. A command is an
// ordered document whose first key is the verb; the builder preserves
// insertion order throughout and applies the session, transaction, and
// causal consistency field rules immediately before framing.
package command

import (
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/mongolite/mongolite/core/readconcern"
	"github.com/mongolite/mongolite/core/session"
	"github.com/mongolite/mongolite/core/writeconcern"
)

// readConcernForbidden lists the verbs that must never carry a readConcern.
// Commands in a transaction after its first operation are handled
// separately by the injection routine.
func readConcernForbidden(verb string) bool {
	return verb == "getMore" || verb == "killCursors"
}

// Command incrementally builds one command document.
type Command struct {
	name  string
	db    string
	elems []byte

	rc    *readconcern.ReadConcern
	wc    *writeconcern.WriteConcern
	sess  *session.Session
	clock *session.ClusterClock
	extra bson.D

	err error
}

// New starts a command whose verb value is the target collection, the most
// common shape (insert, find, update, ...).
func New(verb, collection, db string) *Command {
	c := &Command{name: verb, db: db}
	c.elems = bsoncore.AppendStringElement(c.elems, verb, collection)
	return c
}

// NewInt32 starts a command whose verb value is an int32, the shape of
// admin commands such as {commitTransaction: 1}.
func NewInt32(verb string, value int32, db string) *Command {
	c := &Command{name: verb, db: db}
	c.elems = bsoncore.AppendInt32Element(c.elems, verb, value)
	return c
}

// NewInt64 starts a command whose verb value is an int64, the shape of
// {getMore: <cursor id>}.
func NewInt64(verb string, value int64, db string) *Command {
	c := &Command{name: verb, db: db}
	c.elems = bsoncore.AppendInt64Element(c.elems, verb, value)
	return c
}

// NewArray starts a command whose verb value is an array of documents, the
// shape of {endSessions: [lsid, ...]}.
func NewArray(verb string, docs []bsoncore.Document, db string) *Command {
	c := &Command{name: verb, db: db}
	idx, dst := bsoncore.AppendArrayElementStart(c.elems, verb)
	for i, doc := range docs {
		dst = bsoncore.AppendDocumentElement(dst, strconv.Itoa(i), doc)
	}
	c.elems, _ = bsoncore.AppendArrayEnd(dst, idx)
	return c
}

// Name returns the command verb.
func (c *Command) Name() string { return c.name }

// AppendInt32 appends an int32 field.
func (c *Command) AppendInt32(key string, value int32) *Command {
	c.elems = bsoncore.AppendInt32Element(c.elems, key, value)
	return c
}

// AppendInt64 appends an int64 field.
func (c *Command) AppendInt64(key string, value int64) *Command {
	c.elems = bsoncore.AppendInt64Element(c.elems, key, value)
	return c
}

// AppendString appends a string field.
func (c *Command) AppendString(key, value string) *Command {
	c.elems = bsoncore.AppendStringElement(c.elems, key, value)
	return c
}

// AppendBoolean appends a boolean field.
func (c *Command) AppendBoolean(key string, value bool) *Command {
	c.elems = bsoncore.AppendBooleanElement(c.elems, key, value)
	return c
}

// AppendDocument appends an embedded document field from raw BSON.
func (c *Command) AppendDocument(key string, doc bsoncore.Document) *Command {
	c.elems = bsoncore.AppendDocumentElement(c.elems, key, doc)
	return c
}

// AppendArray appends an array field whose elements are the given raw BSON
// documents.
func (c *Command) AppendArray(key string, docs []bsoncore.Document) *Command {
	idx, dst := bsoncore.AppendArrayElementStart(c.elems, key)
	for i, doc := range docs {
		dst = bsoncore.AppendDocumentElement(dst, strconv.Itoa(i), doc)
	}
	c.elems, _ = bsoncore.AppendArrayEnd(dst, idx)
	return c
}

// AppendValue appends an arbitrary value marshaled through the BSON codec.
// Marshal failures are deferred to Encode.
func (c *Command) AppendValue(key string, value interface{}) *Command {
	if c.err != nil {
		return c
	}
	t, b, err := bson.MarshalValue(value)
	if err != nil {
		c.err = err
		return c
	}
	c.elems = bsoncore.AppendValueElement(c.elems, key, bsoncore.Value{Type: t, Data: b})
	return c
}

// Session attaches the logical session whose fields will be injected.
func (c *Command) Session(s *session.Session) *Command {
	c.sess = s
	return c
}

// Clock attaches the causal consistency tracker.
func (c *Command) Clock(clock *session.ClusterClock) *Command {
	c.clock = clock
	return c
}

// ReadConcern sets the candidate read concern. Whether it actually appears
// on the wire is decided by the injection rules.
func (c *Command) ReadConcern(rc *readconcern.ReadConcern) *Command {
	c.rc = rc
	return c
}

// WriteConcern sets the write concern.
func (c *Command) WriteConcern(wc *writeconcern.WriteConcern) *Command {
	c.wc = wc
	return c
}

// Extra sets user options that are appended verbatim after the managed
// fields. Keys owned by the injection routine are skipped to keep the
// document well formed.
func (c *Command) Extra(extra bson.D) *Command {
	c.extra = extra
	return c
}

// injection-owned keys that user options may not duplicate.
func managedKey(key string) bool {
	switch key {
	case "lsid", "txnNumber", "autocommit", "startTransaction", "$clusterTime", "$db", "writeConcern":
		return true
	}
	return false
}

// Encode assembles the final command document, applying the session and
// transaction field rules:
//
//   - a session always contributes lsid;
//   - an in-progress transaction contributes txnNumber and autocommit, and
//     startTransaction plus the transaction's concerns on its first
//     operation only;
//   - readConcern is stripped from every transaction operation after the
//     first, from a command carrying its own txnNumber without
//     startTransaction, and from getMore/killCursors always;
//   - without a session, a recorded operationTime is folded into
//     readConcern.afterClusterTime;
//   - a recorded $clusterTime is gossiped on every command.
func (c *Command) Encode() (bsoncore.Document, error) {
	if c.err != nil {
		return nil, c.err
	}

	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = append(dst, c.elems...)

	rc := c.rc
	wc := c.wc
	rcAllowed := !readConcernForbidden(c.name)

	if c.sess != nil {
		if c.sess.Ended() {
			return nil, session.ErrSessionEnded
		}

		dst = c.sess.AppendLsidElement(dst)
		c.sess.Touch()

		if c.sess.TransactionInProgress() {
			dst = bsoncore.AppendInt64Element(dst, "txnNumber", c.sess.TxnNumber())
			dst = bsoncore.AppendBooleanElement(dst, "autocommit", false)

			if !c.sess.FirstOperationDone() {
				dst = bsoncore.AppendBooleanElement(dst, "startTransaction", true)
				if opts := c.sess.TransactionOptions(); opts != nil {
					if opts.ReadConcern != nil {
						rc = opts.ReadConcern
					}
					if opts.WriteConcern != nil {
						wc = opts.WriteConcern
					}
				}
				c.sess.MarkFirstOperation()
			} else {
				// readConcern may only appear on the first
				// operation of a transaction.
				rcAllowed = false
			}
		}
	} else if c.clock != nil && !readConcernForbidden(c.name) {
		if ot := c.clock.OperationTime(); ot != nil && (rc == nil || rc.AfterClusterTime() == nil) {
			rc = rc.WithAfterClusterTime(*ot)
		}
	}

	// A command that carries its own txnNumber without startTransaction
	// (commitTransaction, abortTransaction) continues a transaction.
	if c.sess == nil {
		oidx, own := bsoncore.AppendDocumentStart(nil)
		own, _ = bsoncore.AppendDocumentEnd(append(own, c.elems...), oidx)
		_, txnErr := bsoncore.Document(own).LookupErr("txnNumber")
		_, startErr := bsoncore.Document(own).LookupErr("startTransaction")
		if txnErr == nil && startErr != nil {
			rcAllowed = false
		}
	}

	if !rcAllowed {
		rc = nil
	}

	if rc != nil {
		dst = rc.AppendElement(dst)
	}
	if wc != nil {
		dst = wc.AppendElement(dst)
	}
	if c.clock != nil {
		if ct := c.clock.ClusterTime(); len(ct) > 0 {
			dst = bsoncore.AppendDocumentElement(dst, "$clusterTime", ct)
		}
	}

	dst = bsoncore.AppendStringElement(dst, "$db", c.db)

	if len(c.extra) > 0 {
		raw, err := bson.Marshal(c.extra)
		if err != nil {
			return nil, err
		}
		elems, err := bsoncore.Document(raw).Elements()
		if err != nil {
			return nil, err
		}
		for _, elem := range elems {
			key := elem.Key()
			if managedKey(key) {
				continue
			}
			if key == "readConcern" && (!rcAllowed || rc != nil) {
				continue
			}
			dst = append(dst, elem...)
		}
	}

	return bsoncore.AppendDocumentEnd(dst, idx)
}
