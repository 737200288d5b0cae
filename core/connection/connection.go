// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package connection contains the types for building connections that can
// speak the MongoDB Wire Protocol. A connection owns a single TCP socket,
// frames outgoing messages, and reassembles incoming ones from the length
// prefix embedded in the wire format. A connection multiplexes commands
// sequentially and must be used by at most one caller at a time; callers
// wishing to parallelize must open additional connections.
package connection

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mongolite/mongolite/core/compressor"
	"github.com/mongolite/mongolite/core/wiremessage"
)

var globalClientConnectionID uint64

func nextClientConnectionID() uint64 {
	return atomic.AddUint64(&globalClientConnectionID, 1)
}

// ReceiveMode selects how a connection waits for response bytes.
type ReceiveMode int

const (
	// Blocking waits for response chunks with an exponentially growing
	// poll interval, starting at 100µs and capped at 10ms. Adequate for a
	// thread-per-connection caller.
	Blocking ReceiveMode = iota

	// Cooperative polls with a fixed 1ms interval so a single-threaded
	// scheduler regains control between chunks. send and receive are the
	// only suspension points.
	Cooperative
)

// maxReceiveAttempts bounds how many empty reads receive tolerates before
// giving up with a ReceiveTimeoutError.
const maxReceiveAttempts = 10000

const (
	blockingBackoffFloor = 100 * time.Microsecond
	blockingBackoffCeil  = 10 * time.Millisecond
	cooperativeBackoff   = time.Millisecond
)

// Connection is used to read and write wire protocol messages to a network.
type Connection interface {
	Connect(ctx context.Context) error
	WriteWireMessage(ctx context.Context, wm []byte) error
	ReadWireMessage(ctx context.Context) ([]byte, error)
	RoundTrip(ctx context.Context, wm []byte) ([]byte, error)
	Close() error
	Alive() bool
	ID() string
}

// Dialer is used to make network connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc is a type implemented by functions that can be used as a Dialer.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext implements the Dialer interface.
func (df DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return df(ctx, network, address)
}

// Handshaker is run against the freshly dialed socket before the connection
// is handed to callers, and again after an automatic reconnect. It is where
// the server hello and the SCRAM conversation happen.
type Handshaker interface {
	Handshake(ctx context.Context, conn Connection) error
}

// HandshakerFunc is an adapter to allow the use of ordinary functions as
// connection handshakers.
type HandshakerFunc func(ctx context.Context, conn Connection) error

// Handshake implements the Handshaker interface.
func (hf HandshakerFunc) Handshake(ctx context.Context, conn Connection) error {
	return hf(ctx, conn)
}

type connection struct {
	host string
	port int
	id   string
	nc   net.Conn

	cfg        *config
	dead       bool
	connected  bool
	compressor compressor.Compressor

	readBuf  []byte
	chunkBuf []byte
}

// New prepares a connection to the given host and port. The returned
// connection is not usable until Connect has been called.
func New(host string, port int, opts ...Option) (Connection, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	id := fmt.Sprintf("%s[-%d]", addr, nextClientConnectionID())

	return &connection{
		host:     host,
		port:     port,
		id:       id,
		cfg:      cfg,
		readBuf:  make([]byte, 0, 256),
		chunkBuf: make([]byte, 4096),
	}, nil
}

func (c *connection) addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Connect dials the server, applies the TCP keepalive policy, and runs the
// configured handshaker.
func (c *connection) Connect(ctx context.Context) error {
	if c.connected && !c.dead {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout)
	defer cancel()

	nc, err := c.cfg.dialer.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return Error{ConnectionID: c.id, Wrapped: err, message: "unable to dial"}
	}

	c.nc = nc
	c.dead = false
	c.connected = true

	if c.cfg.handshaker != nil {
		if err := c.cfg.handshaker.Handshake(ctx, c); err != nil {
			_ = c.Close()
			return err
		}
	}

	return nil
}

// SetCompressor installs the compressor negotiated during the handshake.
// Messages for commands in the non-compressible set are still sent plain.
func SetCompressor(conn Connection, comp compressor.Compressor) {
	if c, ok := conn.(*connection); ok {
		c.compressor = comp
	}
}

func (c *connection) compressMessage(wm []byte) ([]byte, error) {
	hdr, err := wiremessage.ReadHeader(wm)
	if err != nil {
		return nil, err
	}

	payload, err := c.compressor.CompressBytes(wm[wiremessage.HeaderLen:])
	if err != nil {
		return nil, err
	}

	return wiremessage.AppendCompressed(nil, hdr.RequestID, hdr.OpCode,
		int32(len(wm)-wiremessage.HeaderLen), c.compressor.ID(), payload), nil
}

func (c *connection) uncompressMessage(wm []byte) ([]byte, error) {
	envelope, err := wiremessage.ReadCompressed(wm)
	if err != nil {
		return nil, err
	}

	// The server does not guarantee the same method per response, so the
	// envelope's compressor ID is authoritative.
	uncompressor, err := compressor.ByID(envelope.CompressorID)
	if err != nil {
		return nil, err
	}

	body, err := uncompressor.UncompressBytes(envelope.Payload, envelope.UncompressedSize)
	if err != nil {
		return nil, err
	}

	hdr := wiremessage.Header{
		Length:     int32(wiremessage.HeaderLen + len(body)),
		RequestID:  envelope.Header.RequestID,
		ResponseTo: envelope.Header.ResponseTo,
		OpCode:     envelope.OriginalOpCode,
	}
	full := hdr.AppendHeader(make([]byte, 0, wiremessage.HeaderLen+len(body)))
	return append(full, body...), nil
}

// WriteWireMessage writes an already-framed message to the socket. If the
// first write fails the connection redials once, replays the handshake, and
// retries; a second failure surfaces as an Error.
func (c *connection) WriteWireMessage(ctx context.Context, wm []byte) error {
	if !c.connected {
		return Error{ConnectionID: c.id, message: "connection has not been established"}
	}

	select {
	case <-ctx.Done():
		return Error{ConnectionID: c.id, Wrapped: ctx.Err(), message: "failed to write"}
	default:
	}

	messageToWrite := wm
	if c.compressor != nil && compressor.CanCompress(wiremessage.CommandName(wm)) {
		compressed, err := c.compressMessage(wm)
		if err != nil {
			return Error{ConnectionID: c.id, Wrapped: err, message: "unable to compress wire message"}
		}
		messageToWrite = compressed
	}

	if err := c.write(ctx, messageToWrite); err != nil {
		if rerr := c.reconnect(ctx); rerr != nil {
			return Error{ConnectionID: c.id, Wrapped: rerr, message: "unable to write wire message to network: reconnect failed"}
		}
		if err = c.write(ctx, messageToWrite); err != nil {
			c.markDead()
			return Error{ConnectionID: c.id, Wrapped: err, message: "unable to write wire message to network"}
		}
	}

	return nil
}

func (c *connection) write(ctx context.Context, wm []byte) error {
	if c.dead {
		return Error{ConnectionID: c.id, message: "connection is dead"}
	}

	deadline := time.Time{}
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return err
	}

	_, err := c.nc.Write(wm)
	return err
}

// reconnect redials the server and replays the handshake. It is only used
// for the single automatic retry inside WriteWireMessage.
func (c *connection) reconnect(ctx context.Context) error {
	if c.nc != nil {
		_ = c.nc.Close()
	}
	c.connected = false
	c.dead = false
	return c.Connect(ctx)
}

// ReadWireMessage reassembles the next response frame. Response bytes are
// consumed in chunks; every empty poll backs off according to the receive
// mode until either a full frame is available or the attempt ceiling is
// reached.
func (c *connection) ReadWireMessage(ctx context.Context) ([]byte, error) {
	if c.dead || !c.connected {
		return nil, Error{ConnectionID: c.id, message: "connection is dead"}
	}

	c.readBuf = c.readBuf[:0]

	var (
		attempts int
		total    int32 = -1
		backoff        = c.initialBackoff()
	)

	for {
		select {
		case <-ctx.Done():
			// There may be an unread message on the wire, so the
			// socket cannot be reused.
			c.markDead()
			return nil, Error{ConnectionID: c.id, Wrapped: ctx.Err(), message: "failed to read"}
		default:
		}

		if err := c.nc.SetReadDeadline(time.Now().Add(backoff)); err != nil {
			c.markDead()
			return nil, Error{ConnectionID: c.id, Wrapped: err, message: "failed to set read deadline"}
		}

		n, err := c.nc.Read(c.chunkBuf)
		if n > 0 {
			c.readBuf = append(c.readBuf, c.chunkBuf[:n]...)
			attempts = 0
			backoff = c.initialBackoff()

			if total < 0 && len(c.readBuf) >= 4 {
				total = readi32(c.readBuf)
				if verr := wiremessage.ValidateLength(total); verr != nil {
					c.markDead()
					return nil, verr
				}
			}
			if total > 0 && len(c.readBuf) >= int(total) {
				break
			}
			continue
		}

		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			attempts++
			if attempts >= maxReceiveAttempts {
				c.markDead()
				return nil, ReceiveTimeoutError{ConnectionID: c.id, Attempts: attempts}
			}
			backoff = c.nextBackoff(backoff)
			continue
		}

		c.markDead()
		return nil, Error{ConnectionID: c.id, Wrapped: err, message: "unable to read full message"}
	}

	msg := make([]byte, total)
	copy(msg, c.readBuf[:total])

	hdr, err := wiremessage.ReadHeader(msg)
	if err != nil {
		c.markDead()
		return nil, err
	}
	if hdr.OpCode == wiremessage.OpCompressed {
		msg, err = c.uncompressMessage(msg)
		if err != nil {
			c.markDead()
			return nil, Error{ConnectionID: c.id, Wrapped: err, message: "unable to uncompress message"}
		}
	}

	return msg, nil
}

func (c *connection) initialBackoff() time.Duration {
	if c.cfg.mode == Cooperative {
		return cooperativeBackoff
	}
	return blockingBackoffFloor
}

func (c *connection) nextBackoff(cur time.Duration) time.Duration {
	if c.cfg.mode == Cooperative {
		return cooperativeBackoff
	}
	next := cur * 2
	if next > blockingBackoffCeil {
		next = blockingBackoffCeil
	}
	return next
}

// RoundTrip writes a request and reads its response. The wire protocol
// delivers responses in request order, so the next frame on the socket is
// the answer to this request.
func (c *connection) RoundTrip(ctx context.Context, wm []byte) ([]byte, error) {
	if err := c.WriteWireMessage(ctx, wm); err != nil {
		return nil, err
	}
	return c.ReadWireMessage(ctx)
}

func (c *connection) markDead() {
	c.dead = true
	if c.nc != nil {
		_ = c.nc.Close()
	}
}

// Alive reports whether the connection can still carry messages.
func (c *connection) Alive() bool {
	return c.connected && !c.dead
}

// Close closes the underlying socket. The connection is not reusable
// afterwards.
func (c *connection) Close() error {
	c.dead = true
	c.connected = false
	if c.nc == nil {
		return nil
	}
	if err := c.nc.Close(); err != nil {
		return Error{ConnectionID: c.id, Wrapped: err, message: "failed to close net.Conn"}
	}
	return nil
}

// ID returns the connection's unique identifier.
func (c *connection) ID() string {
	return c.id
}

func readi32(b []byte) int32 {
	return int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
}
