// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/mongolite/mongolite/core/connection"
	"github.com/mongolite/mongolite/core/wiremessage"
)

// SaslClient is the client piece of a sasl conversation.
type SaslClient interface {
	Start() (string, []byte, error)
	Next(challenge []byte) ([]byte, error)
	Completed() bool
}

// SaslClientCloser is a SaslClient that has resources to clean up.
type SaslClientCloser interface {
	SaslClient
	Close()
}

type saslResponse struct {
	OK             float64 `bson:"ok"`
	ConversationID int32   `bson:"conversationId"`
	Code           int32   `bson:"code"`
	ErrMsg         string  `bson:"errmsg"`
	Done           bool    `bson:"done"`
	Payload        []byte  `bson:"payload"`
}

// ConductSaslConversation handles running a sasl conversation with MongoDB.
// The first round trip is saslStart; every further one is saslContinue with
// the server's conversation id, until the server reports done and the
// client's own verification has completed.
func ConductSaslConversation(ctx context.Context, conn connection.Connection, db string, client SaslClient) error {
	if db == "" {
		db = DefaultAuthDB
	}

	if closer, ok := client.(SaslClientCloser); ok {
		defer closer.Close()
	}

	mech, payload, err := client.Start()
	if err != nil {
		return newError(err, mech)
	}

	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "saslStart", 1)
	dst = bsoncore.AppendStringElement(dst, "mechanism", mech)
	dst = bsoncore.AppendBinaryElement(dst, "payload", 0x00, payload)
	dst = bsoncore.AppendStringElement(dst, "$db", db)
	saslStart, _ := bsoncore.AppendDocumentEnd(dst, idx)

	resp, err := roundTripSasl(ctx, conn, saslStart)
	if err != nil {
		return wrapTransport(err, mech)
	}

	cid := resp.ConversationID

	for {
		if resp.OK != 1 || resp.Code != 0 {
			return newError(errors.New(resp.ErrMsg), mech)
		}

		if resp.Done && client.Completed() {
			return nil
		}

		payload, err = client.Next(resp.Payload)
		if err != nil {
			return newError(err, mech)
		}

		if resp.Done && client.Completed() {
			return nil
		}

		idx, dst = bsoncore.AppendDocumentStart(nil)
		dst = bsoncore.AppendInt32Element(dst, "saslContinue", 1)
		dst = bsoncore.AppendInt32Element(dst, "conversationId", cid)
		dst = bsoncore.AppendBinaryElement(dst, "payload", 0x00, payload)
		dst = bsoncore.AppendStringElement(dst, "$db", db)
		saslContinue, _ := bsoncore.AppendDocumentEnd(dst, idx)

		resp, err = roundTripSasl(ctx, conn, saslContinue)
		if err != nil {
			return wrapTransport(err, mech)
		}
	}
}

func roundTripSasl(ctx context.Context, conn connection.Connection, body bsoncore.Document) (*saslResponse, error) {
	wm := wiremessage.AppendMsg(nil, wiremessage.NextRequestID(), 0, body)

	res, err := conn.RoundTrip(ctx, wm)
	if err != nil {
		return nil, err
	}

	_, respBody, err := wiremessage.ReadMsg(res)
	if err != nil {
		return nil, err
	}

	var resp saslResponse
	if err := bson.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// wrapTransport distinguishes a failing socket from a rejecting server so
// callers can categorize pre-handshake TCP failures separately.
func wrapTransport(err error, mech string) error {
	var connErr connection.Error
	if errors.As(err, &connErr) {
		return ConnectionError{Wrapped: err}
	}
	var rto connection.ReceiveTimeoutError
	if errors.As(err, &rto) {
		return ConnectionError{Wrapped: err}
	}
	return newError(err, mech)
}
