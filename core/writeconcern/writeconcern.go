// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package writeconcern defines write concerns for MongoDB operations.
package writeconcern

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// ErrInvalidWriteConcern indicates a write concern option failed
// validation.
var ErrInvalidWriteConcern = errors.New("writeconcern: invalid option")

// WriteConcern describes the level of acknowledgement requested from MongoDB
// for write operations.
type WriteConcern struct {
	w        interface{} // int >= 0 or string tag such as "majority"
	j        *bool
	wTimeout int64 // milliseconds; zero means unset
}

// Option configures a write concern.
type Option func(*WriteConcern) error

// New constructs a WriteConcern from the given options.
func New(opts ...Option) (*WriteConcern, error) {
	wc := &WriteConcern{}
	for _, opt := range opts {
		if err := opt(wc); err != nil {
			return nil, err
		}
	}
	return wc, nil
}

// W requests acknowledgement that write operations propagate to the
// specified number of mongod instances. Negative values are rejected.
func W(w int) Option {
	return func(wc *WriteConcern) error {
		if w < 0 {
			return fmt.Errorf("%w: w must be a non-negative integer, got %d", ErrInvalidWriteConcern, w)
		}
		wc.w = int32(w)
		return nil
	}
}

// WTagSet requests acknowledgement from a named tag set, such as
// "majority".
func WTagSet(tag string) Option {
	return func(wc *WriteConcern) error {
		if tag == "" {
			return fmt.Errorf("%w: w string must be non-empty", ErrInvalidWriteConcern)
		}
		wc.w = tag
		return nil
	}
}

// WValue accepts either form of w: a non-negative integer or a string tag.
func WValue(w interface{}) Option {
	return func(wc *WriteConcern) error {
		switch v := w.(type) {
		case int:
			return W(v)(wc)
		case int32:
			return W(int(v))(wc)
		case int64:
			return W(int(v))(wc)
		case string:
			return WTagSet(v)(wc)
		default:
			return fmt.Errorf("%w: w must be an integer or a string, got %T", ErrInvalidWriteConcern, w)
		}
	}
}

// J requests acknowledgement that write operations have been written to the
// on-disk journal.
func J(j bool) Option {
	return func(wc *WriteConcern) error {
		wc.j = &j
		return nil
	}
}

// WTimeout specifies, in milliseconds, how long the server waits for the
// write concern to be satisfied.
func WTimeout(ms int64) Option {
	return func(wc *WriteConcern) error {
		if ms < 0 {
			return fmt.Errorf("%w: wtimeout must be non-negative, got %d", ErrInvalidWriteConcern, ms)
		}
		wc.wTimeout = ms
		return nil
	}
}

// Acknowledged reports whether the write concern expects a response from the
// server. w: 0 with no journal requirement is the only unacknowledged form.
func (wc *WriteConcern) Acknowledged() bool {
	if wc == nil {
		return true
	}
	if w, ok := wc.w.(int32); ok && w == 0 {
		return wc.j != nil && *wc.j
	}
	return true
}

// AppendElement appends the writeConcern element to dst.
func (wc *WriteConcern) AppendElement(dst []byte) []byte {
	idx, dst := bsoncore.AppendDocumentElementStart(dst, "writeConcern")
	switch w := wc.w.(type) {
	case int32:
		dst = bsoncore.AppendInt32Element(dst, "w", w)
	case string:
		dst = bsoncore.AppendStringElement(dst, "w", w)
	}
	if wc.j != nil {
		dst = bsoncore.AppendBooleanElement(dst, "j", *wc.j)
	}
	if wc.wTimeout > 0 {
		dst = bsoncore.AppendInt64Element(dst, "wtimeout", wc.wTimeout)
	}
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}
