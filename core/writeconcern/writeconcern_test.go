// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package writeconcern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

func TestNewValidation(t *testing.T) {
	_, err := New(W(-1))
	assert.ErrorIs(t, err, ErrInvalidWriteConcern)

	_, err = New(WTimeout(-5))
	assert.ErrorIs(t, err, ErrInvalidWriteConcern)

	_, err = New(WValue(3.5))
	assert.ErrorIs(t, err, ErrInvalidWriteConcern)

	_, err = New(WTagSet(""))
	assert.ErrorIs(t, err, ErrInvalidWriteConcern)

	_, err = New(W(0), J(true), WTimeout(1000))
	assert.NoError(t, err)
}

func TestAppendElement(t *testing.T) {
	wc, err := New(WTagSet("majority"), J(true), WTimeout(2500))
	require.NoError(t, err)

	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = wc.AppendElement(dst)
	doc, err := bsoncore.AppendDocumentEnd(dst, idx)
	require.NoError(t, err)

	sub, ok := bsoncore.Document(doc).Lookup("writeConcern").DocumentOK()
	require.True(t, ok)

	w, ok := sub.Lookup("w").StringValueOK()
	require.True(t, ok)
	assert.Equal(t, "majority", w)

	j, ok := sub.Lookup("j").BooleanOK()
	require.True(t, ok)
	assert.True(t, j)

	wtimeout, ok := sub.Lookup("wtimeout").Int64OK()
	require.True(t, ok)
	assert.Equal(t, int64(2500), wtimeout)
}

func TestAcknowledged(t *testing.T) {
	wc, err := New(W(0))
	require.NoError(t, err)
	assert.False(t, wc.Acknowledged())

	wc, err = New(W(0), J(true))
	require.NoError(t, err)
	assert.True(t, wc.Acknowledged(), "journaled writes are acknowledged even with w: 0")

	wc, err = New(W(1))
	require.NoError(t, err)
	assert.True(t, wc.Acknowledged())

	assert.True(t, (*WriteConcern)(nil).Acknowledged())
}
