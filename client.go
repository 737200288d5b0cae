// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package mongolite is a native MongoDB wire-protocol client. It connects
// to a single mongod or mongos over TCP, authenticates with SCRAM, and
// issues CRUD, aggregation, index, and transaction commands framed as
// OP_MSG, without a driver runtime in between.
//
// A Client wraps exactly one connection and multiplexes commands
// sequentially. It is not safe for concurrent use; callers wishing to
// parallelize must create additional clients.
package mongolite

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/mongolite/mongolite/core/auth"
	"github.com/mongolite/mongolite/core/command"
	"github.com/mongolite/mongolite/core/compressor"
	"github.com/mongolite/mongolite/core/connection"
	"github.com/mongolite/mongolite/core/session"
	"github.com/mongolite/mongolite/core/wiremessage"
	"github.com/mongolite/mongolite/internal/logger"
)

const defaultBatchSize = 1000

// Client is a connection to a single MongoDB server.
type Client struct {
	database string
	host     string
	port     int
	user     string
	password string

	cooperative bool
	compressors []string
	batchSize   int
	log         *logger.Logger

	conn      connection.Connection
	registry  *session.Registry
	clock     *session.ClusterClock
	connected bool

	replicaSet *bool
	serverInfo bsoncore.Document
}

// ConnectionInfo describes the state of a client's connection.
type ConnectionInfo struct {
	ConnectionID string
	Host         string
	Port         int
	Database     string
	Connected    bool
}

// New constructs a Client for the given server and credentials. The
// connection is not dialed until Connect is called.
func New(database, host string, port int, user, password string, opts ...ClientOption) (*Client, error) {
	switch {
	case database == "":
		return nil, fmt.Errorf("%w: database must be non-empty", ErrInvalidArgument)
	case host == "":
		return nil, fmt.Errorf("%w: host must be non-empty", ErrInvalidArgument)
	case port < 1 || port > 65535:
		return nil, fmt.Errorf("%w: port must be in [1, 65535], got %d", ErrInvalidArgument, port)
	case user == "":
		return nil, fmt.Errorf("%w: user must be non-empty", ErrInvalidArgument)
	case password == "":
		return nil, fmt.Errorf("%w: password must be non-empty", ErrInvalidArgument)
	}

	c := &Client{
		database:  database,
		host:      host,
		port:      port,
		user:      user,
		password:  password,
		batchSize: defaultBatchSize,
		registry:  session.NewRegistry(),
		clock:     &session.ClusterClock{},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.log == nil {
		c.log = logger.New(nil, 0, nil)
	}

	return c, nil
}

// Connect dials the server, performs the initial handshake, and runs the
// SCRAM conversation. The client is unusable until Connect succeeds.
func (c *Client) Connect(ctx context.Context) error {
	mode := connection.Blocking
	if c.cooperative {
		mode = connection.Cooperative
	}

	conn, err := connection.New(c.host, c.port,
		connection.WithReceiveMode(mode),
		connection.WithHandshaker(connection.HandshakerFunc(c.handshake)),
	)
	if err != nil {
		return err
	}

	if err := conn.Connect(ctx); err != nil {
		return err
	}

	c.conn = conn
	c.connected = true
	c.log.Print(logger.LevelInfo, logger.ComponentConnection, "connected", "id", conn.ID())
	return nil
}

// handshake runs against every freshly dialed socket: the isMaster probe
// (which also negotiates compression and discovers the SASL mechanisms for
// the user), then the SCRAM conversation.
func (c *Client) handshake(ctx context.Context, conn connection.Connection) error {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "isMaster", 1)
	dst = bsoncore.AppendStringElement(dst, "saslSupportedMechs", auth.DefaultAuthDB+"."+c.user)
	if len(c.compressors) > 0 {
		var cidx int32
		cidx, dst = bsoncore.AppendArrayElementStart(dst, "compression")
		for i, name := range c.compressors {
			dst = bsoncore.AppendStringElement(dst, fmt.Sprintf("%d", i), name)
		}
		dst, _ = bsoncore.AppendArrayEnd(dst, cidx)
	}
	dst = bsoncore.AppendStringElement(dst, "$db", auth.DefaultAuthDB)
	body, _ := bsoncore.AppendDocumentEnd(dst, idx)

	wm := wiremessage.AppendMsg(nil, wiremessage.NextRequestID(), 0, body)
	res, err := conn.RoundTrip(ctx, wm)
	if err != nil {
		return auth.ConnectionError{Wrapped: err}
	}

	_, respBody, err := wiremessage.ReadMsg(res)
	if err != nil {
		return auth.ConnectionError{Wrapped: err}
	}

	if _, derr := command.DecodeResponse("isMaster", respBody, c.clock); derr != nil {
		return derr
	}

	c.serverInfo = respBody
	c.cacheReplicaSet(respBody)
	c.negotiateCompression(conn, respBody)

	authenticator := &auth.ScramAuthenticator{
		DB:        auth.DefaultAuthDB,
		Username:  c.user,
		Password:  c.password,
		Mechanism: pickMechanism(respBody),
	}
	return authenticator.Auth(ctx, conn)
}

func (c *Client) cacheReplicaSet(isMaster bsoncore.Document) {
	_, hasSetName := isMaster.Lookup("setName").StringValueOK()
	rs := hasSetName
	if v, ok := isMaster.Lookup("isreplicaset").BooleanOK(); ok && v {
		rs = true
	}
	c.replicaSet = &rs
}

func (c *Client) negotiateCompression(conn connection.Connection, isMaster bsoncore.Document) {
	arr, ok := isMaster.Lookup("compression").ArrayOK()
	if !ok {
		return
	}
	values, err := arr.Values()
	if err != nil {
		return
	}

	for _, want := range c.compressors {
		for _, v := range values {
			name, ok := v.StringValueOK()
			if !ok || name != want {
				continue
			}
			comp, err := compressor.New(name)
			if err != nil {
				continue
			}
			connection.SetCompressor(conn, comp)
			return
		}
	}
}

// pickMechanism chooses SCRAM-SHA-256 whenever the server advertises it for
// this user, falling back to SCRAM-SHA-1 otherwise.
func pickMechanism(isMaster bsoncore.Document) string {
	arr, ok := isMaster.Lookup("saslSupportedMechs").ArrayOK()
	if !ok {
		return auth.SCRAMSHA256
	}
	values, err := arr.Values()
	if err != nil {
		return auth.SCRAMSHA256
	}
	for _, v := range values {
		if s, ok := v.StringValueOK(); ok && s == auth.SCRAMSHA256 {
			return auth.SCRAMSHA256
		}
	}
	return auth.SCRAMSHA1
}

// Close ends all tracked sessions (best effort: the socket may already be
// gone) and closes the connection. The client is not reusable afterwards.
func (c *Client) Close(ctx context.Context) error {
	if !c.connected {
		return nil
	}

	if sessions := c.registry.All(); len(sessions) > 0 {
		if err := c.EndSessions(ctx, sessions); err != nil {
			c.log.Print(logger.LevelInfo, logger.ComponentConnection, "failed to end sessions during close", "error", err.Error())
		}
	}

	c.clock.Reset()
	c.connected = false

	err := c.conn.Close()
	c.log.Print(logger.LevelInfo, logger.ComponentConnection, "closed", "id", c.conn.ID())
	return err
}

// IsConnected reports whether the client holds a live connection.
func (c *Client) IsConnected() bool {
	return c.connected && c.conn != nil && c.conn.Alive()
}

// ConnectionInfo returns a snapshot of the connection's identity.
func (c *Client) ConnectionInfo() ConnectionInfo {
	info := ConnectionInfo{
		Host:      c.host,
		Port:      c.port,
		Database:  c.database,
		Connected: c.IsConnected(),
	}
	if c.conn != nil {
		info.ConnectionID = c.conn.ID()
	}
	return info
}

// Database returns the database this client operates on.
func (c *Client) Database() string { return c.database }

// IsReplicaSet reports whether the server is a replica set member. The
// answer is taken from the handshake's isMaster reply; if none has been
// seen, it is probed with isMaster. Either way it is cached. Transactions are not
// pre-filtered on the result; a standalone server rejects them itself.
func (c *Client) IsReplicaSet(ctx context.Context) (bool, error) {
	if c.replicaSet != nil {
		return *c.replicaSet, nil
	}

	cmd := command.NewInt32("isMaster", 1, auth.DefaultAuthDB)
	res, err := c.runCommand(ctx, cmd)
	if err != nil {
		return false, err
	}
	c.cacheReplicaSet(res.Document)
	return *c.replicaSet, nil
}

// Ping verifies the server is reachable and answering.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.runCommand(ctx, command.NewInt32("ping", 1, c.database))
	return err
}

// runCommand finalizes cmd, frames it, performs the round trip, and
// interprets the response. Every response feeds the causal consistency
// clock before interpretation.
func (c *Client) runCommand(ctx context.Context, cmd *command.Command) (*command.Result, error) {
	if !c.connected {
		return nil, ErrClientDisconnected
	}

	cmd.Clock(c.clock)

	body, err := cmd.Encode()
	if err != nil {
		return nil, err
	}

	c.log.Print(logger.LevelDebug, logger.ComponentCommand, "command started", "command", body)

	wm := wiremessage.AppendMsg(nil, wiremessage.NextRequestID(), 0, body)
	res, err := c.conn.RoundTrip(ctx, wm)
	if err != nil {
		return nil, err
	}

	_, respBody, err := wiremessage.ReadMsg(res)
	if err != nil {
		return nil, err
	}

	c.log.Print(logger.LevelDebug, logger.ComponentCommand, "command finished", "reply", respBody)

	return command.DecodeResponse(cmd.Name(), respBody, c.clock)
}
