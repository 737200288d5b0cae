// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/mongolite/mongolite/core/wiremessage"
)

// startServer runs handler for every accepted socket and returns the
// listening host and port.
func startServer(t *testing.T, handler func(net.Conn)) (string, int) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			nc, err := l.Accept()
			if err != nil {
				return
			}
			go handler(nc)
		}
	}()

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func pingBody(t *testing.T) bsoncore.Document {
	t.Helper()
	raw, err := bson.Marshal(bson.D{{Key: "ping", Value: int32(1)}, {Key: "$db", Value: "admin"}})
	require.NoError(t, err)
	return raw
}

func okResponse(t *testing.T, responseTo int32) []byte {
	t.Helper()
	raw, err := bson.Marshal(bson.D{{Key: "ok", Value: 1.0}})
	require.NoError(t, err)

	wm := wiremessage.AppendMsg(nil, 1, 0, raw)
	// Patch responseTo in place.
	wm[8] = byte(responseTo)
	wm[9] = byte(responseTo >> 8)
	wm[10] = byte(responseTo >> 16)
	wm[11] = byte(responseTo >> 24)
	return wm
}

// readRequest consumes one request frame from the socket.
func readRequest(t *testing.T, nc net.Conn) wiremessage.Header {
	t.Helper()

	sizeBuf := make([]byte, 4)
	_, err := ioReadFull(nc, sizeBuf)
	require.NoError(t, err)

	size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24
	rest := make([]byte, size-4)
	_, err = ioReadFull(nc, rest)
	require.NoError(t, err)

	hdr, err := wiremessage.ReadHeader(append(sizeBuf, rest...))
	require.NoError(t, err)
	return hdr
}

func ioReadFull(nc net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := nc.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestRoundTrip(t *testing.T) {
	host, port := startServer(t, func(nc net.Conn) {
		defer nc.Close()
		hdr := readRequest(t, nc)
		_, _ = nc.Write(okResponse(t, hdr.RequestID))
	})

	conn, err := New(host, port)
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Close()

	wm := wiremessage.AppendMsg(nil, wiremessage.NextRequestID(), 0, pingBody(t))
	res, err := conn.RoundTrip(context.Background(), wm)
	require.NoError(t, err)

	_, body, err := wiremessage.ReadMsg(res)
	require.NoError(t, err)

	ok, okOK := body.Lookup("ok").DoubleOK()
	require.True(t, okOK)
	assert.Equal(t, 1.0, ok)
}

func TestReceiveReassemblesChunks(t *testing.T) {
	host, port := startServer(t, func(nc net.Conn) {
		defer nc.Close()
		hdr := readRequest(t, nc)

		// Dribble the response a few bytes at a time so receive has
		// to poll and reassemble.
		res := okResponse(t, hdr.RequestID)
		for start := 0; start < len(res); start += 5 {
			end := start + 5
			if end > len(res) {
				end = len(res)
			}
			_, _ = nc.Write(res[start:end])
			time.Sleep(3 * time.Millisecond)
		}
	})

	for _, mode := range []ReceiveMode{Blocking, Cooperative} {
		conn, err := New(host, port, WithReceiveMode(mode))
		require.NoError(t, err)
		require.NoError(t, conn.Connect(context.Background()))

		wm := wiremessage.AppendMsg(nil, wiremessage.NextRequestID(), 0, pingBody(t))
		res, err := conn.RoundTrip(context.Background(), wm)
		require.NoError(t, err, "mode %v", mode)

		_, _, err = wiremessage.ReadMsg(res)
		require.NoError(t, err)
		_ = conn.Close()
	}
}

func TestReceiveRejectsBadLengthPrefix(t *testing.T) {
	host, port := startServer(t, func(nc net.Conn) {
		defer nc.Close()
		readRequest(t, nc)
		// Length prefix of 10 is below the minimum frame size.
		_, _ = nc.Write([]byte{10, 0, 0, 0})
	})

	conn, err := New(host, port)
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))

	wm := wiremessage.AppendMsg(nil, wiremessage.NextRequestID(), 0, pingBody(t))
	_, err = conn.RoundTrip(context.Background(), wm)

	var fe wiremessage.FramingError
	require.ErrorAs(t, err, &fe)
	assert.False(t, conn.Alive(), "a framing violation poisons the connection")
}

func TestReceiveRejectsOversizedLengthPrefix(t *testing.T) {
	host, port := startServer(t, func(nc net.Conn) {
		defer nc.Close()
		readRequest(t, nc)
		over := int32(wiremessage.MaxMessageSize + 1)
		_, _ = nc.Write([]byte{byte(over), byte(over >> 8), byte(over >> 16), byte(over >> 24)})
	})

	conn, err := New(host, port)
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))

	wm := wiremessage.AppendMsg(nil, wiremessage.NextRequestID(), 0, pingBody(t))
	_, err = conn.RoundTrip(context.Background(), wm)

	var fe wiremessage.FramingError
	require.ErrorAs(t, err, &fe)
}

func TestSendReconnectsOnce(t *testing.T) {
	handshakes := 0

	host, port := startServer(t, func(nc net.Conn) {
		defer nc.Close()
		hdr := readRequest(t, nc)
		_, _ = nc.Write(okResponse(t, hdr.RequestID))
	})

	// The first dial hands back a pipe whose peer is already closed, so
	// the first write fails and triggers the automatic reconnect. The
	// second dial goes to the real server.
	dials := 0
	dialer := DialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		dials++
		if dials == 1 {
			ours, theirs := net.Pipe()
			_ = theirs.Close()
			return ours, nil
		}
		return (&net.Dialer{}).DialContext(ctx, network, address)
	})

	conn, err := New(host, port,
		WithDialer(dialer),
		WithHandshaker(HandshakerFunc(func(context.Context, Connection) error {
			handshakes++
			return nil
		})),
	)
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))

	wm := wiremessage.AppendMsg(nil, wiremessage.NextRequestID(), 0, pingBody(t))
	res, err := conn.RoundTrip(context.Background(), wm)
	require.NoError(t, err, "send should succeed after the single reconnect")

	_, _, err = wiremessage.ReadMsg(res)
	require.NoError(t, err)

	assert.Equal(t, 2, dials, "exactly one reconnect")
	assert.Equal(t, 2, handshakes, "the handshake replays on reconnect")
}

func TestSendFailsAfterSecondFailure(t *testing.T) {
	dialer := DialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		ours, theirs := net.Pipe()
		_ = theirs.Close()
		return ours, nil
	})

	conn, err := New("localhost", 27017, WithDialer(dialer))
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))

	wm := wiremessage.AppendMsg(nil, wiremessage.NextRequestID(), 0, pingBody(t))
	err = conn.WriteWireMessage(context.Background(), wm)

	var connErr Error
	require.ErrorAs(t, err, &connErr)
}

func TestWriteBeforeConnect(t *testing.T) {
	conn, err := New("localhost", 27017)
	require.NoError(t, err)

	err = conn.WriteWireMessage(context.Background(), pingBody(t))
	var connErr Error
	require.ErrorAs(t, err, &connErr)
}

func TestConnectionIDsAreUnique(t *testing.T) {
	a, err := New("localhost", 27017)
	require.NoError(t, err)
	b, err := New("localhost", 27017)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
}
