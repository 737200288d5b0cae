// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xdg-go/scram"
	"github.com/xdg-go/stringprep"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/mongolite/mongolite/core/connection"
	"github.com/mongolite/mongolite/core/wiremessage"
)

// saslServer is an in-memory SCRAM-SHA-256 responder that answers
// saslStart and saslContinue the way a mongod would.
type saslServer struct {
	t    *testing.T
	conv *scram.ServerConversation
}

func newSaslServer(t *testing.T, username, password string) *saslServer {
	t.Helper()

	passprep, err := stringprep.SASLprep.Prepare(password)
	require.NoError(t, err)

	client, err := scram.SHA256.NewClientUnprepped(username, passprep, "")
	require.NoError(t, err)

	stored := client.GetStoredCredentials(scram.KeyFactors{Salt: "0123456789abcdef", Iters: 4096})

	server, err := scram.SHA256.NewServer(func(string) (scram.StoredCredentials, error) {
		return stored, nil
	})
	require.NoError(t, err)

	return &saslServer{t: t, conv: server.NewConversation()}
}

func (s *saslServer) respond(body bsoncore.Document) bson.D {
	_, data, ok := body.Lookup("payload").BinaryOK()
	if !ok {
		return bson.D{{Key: "ok", Value: 0.0}, {Key: "errmsg", Value: "missing payload"}, {Key: "code", Value: int32(2)}}
	}

	out, err := s.conv.Step(string(data))
	if err != nil {
		return bson.D{
			{Key: "ok", Value: 0.0},
			{Key: "errmsg", Value: "Authentication failed."},
			{Key: "code", Value: int32(18)},
			{Key: "codeName", Value: "AuthenticationFailed"},
		}
	}

	return bson.D{
		{Key: "conversationId", Value: int32(1)},
		{Key: "done", Value: s.conv.Done()},
		{Key: "payload", Value: []byte(out)},
		{Key: "ok", Value: 1.0},
	}
}

// scriptedConn satisfies connection.Connection with an in-memory handler,
// bypassing the network entirely.
type scriptedConn struct {
	t       *testing.T
	handler func(body bsoncore.Document) bson.D
	pending [][]byte
}

func (c *scriptedConn) Connect(context.Context) error { return nil }

func (c *scriptedConn) WriteWireMessage(_ context.Context, wm []byte) error {
	_, body, err := wiremessage.ReadMsg(wm)
	require.NoError(c.t, err)

	raw, err := bson.Marshal(c.handler(body))
	require.NoError(c.t, err)

	c.pending = append(c.pending, wiremessage.AppendMsg(nil, 1, 0, raw))
	return nil
}

func (c *scriptedConn) ReadWireMessage(context.Context) ([]byte, error) {
	res := c.pending[0]
	c.pending = c.pending[1:]
	return res, nil
}

func (c *scriptedConn) RoundTrip(ctx context.Context, wm []byte) ([]byte, error) {
	if err := c.WriteWireMessage(ctx, wm); err != nil {
		return nil, err
	}
	return c.ReadWireMessage(ctx)
}

func (c *scriptedConn) Close() error { return nil }
func (c *scriptedConn) Alive() bool  { return true }
func (c *scriptedConn) ID() string   { return "scripted[-1]" }

var _ connection.Connection = (*scriptedConn)(nil)

func TestScramSHA256Conversation(t *testing.T) {
	server := newSaslServer(t, "root", "example")

	var verbs []string
	conn := &scriptedConn{t: t, handler: func(body bsoncore.Document) bson.D {
		elem, err := body.IndexErr(0)
		require.NoError(t, err)
		verbs = append(verbs, elem.Key())

		if db, ok := body.Lookup("$db").StringValueOK(); !ok || db != "admin" {
			t.Errorf("sasl commands must target admin, got %q", db)
		}

		return server.respond(body)
	}}

	authenticator := &ScramAuthenticator{DB: "admin", Username: "root", Password: "example"}
	err := authenticator.Auth(context.Background(), conn)
	require.NoError(t, err)

	// Client-first and client-final: one saslStart, then saslContinue
	// until the server reports done.
	require.GreaterOrEqual(t, len(verbs), 2)
	assert.Equal(t, "saslStart", verbs[0])
	for _, verb := range verbs[1:] {
		assert.Equal(t, "saslContinue", verb)
	}
}

func TestScramWrongPassword(t *testing.T) {
	server := newSaslServer(t, "root", "example")

	conn := &scriptedConn{t: t, handler: server.respond}

	authenticator := &ScramAuthenticator{DB: "admin", Username: "root", Password: "wrong"}
	err := authenticator.Auth(context.Background(), conn)

	var authErr *Error
	require.ErrorAs(t, err, &authErr)
}

func TestScramSHA1PasswordDigest(t *testing.T) {
	// The SHA-1 flavor feeds the MONGODB-CR digest, not the raw
	// password, into the SCRAM client.
	assert.Equal(t, "1c33006ec1ffd90f9cadcbcc0e118200", mongoPasswordDigest("user", "pencil"))
}
