// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package wiremessage contains the types for assembling and disassembling
// MongoDB wire protocol messages. Requests and responses are framed as
// OP_MSG with a single type 0 payload section; OP_COMPRESSED envelopes are
// supported for both directions when a compressor has been negotiated.
package wiremessage

import (
	"fmt"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// HeaderLen is the length, in bytes, of the standard message header.
const HeaderLen = 16

// MinMsgLen is the length of the smallest legal OP_MSG: a 16 byte header,
// 4 flag bytes, the payload type byte, and an empty BSON document would be
// 26 bytes, but the server is permitted to answer with a frame as small as
// the header plus flags plus payload byte around a zero-length body marker,
// so the floor tracked here is header + flags + kind byte = 21.
const MinMsgLen = HeaderLen + 4 + 1

// MaxMessageSize is the largest message, in bytes, this library will frame
// or accept. It mirrors the server's maxMessageSizeBytes default.
const MaxMessageSize = 16 * 1024 * 1024

// OpCode represents a wire protocol operation code.
type OpCode int32

// The supported operation codes. OpReply and OpQuery are legacy codes that
// only appear when talking to very old servers; this library emits OpMsg
// exclusively.
const (
	OpReply      OpCode = 1
	OpQuery      OpCode = 2004
	OpCompressed OpCode = 2012
	OpMsg        OpCode = 2013
)

// String implements the fmt.Stringer interface.
func (oc OpCode) String() string {
	switch oc {
	case OpReply:
		return "OP_REPLY"
	case OpQuery:
		return "OP_QUERY"
	case OpCompressed:
		return "OP_COMPRESSED"
	case OpMsg:
		return "OP_MSG"
	default:
		return "<invalid opcode>"
	}
}

// CompressorID is the ID for a compressor negotiated during the handshake.
type CompressorID uint8

// The supported compressor IDs.
const (
	CompressorNoOp CompressorID = iota
	CompressorSnappy
	CompressorZLib
	CompressorZstd
)

// MsgFlag represents the flag bits of an OP_MSG. The client always sends 0;
// the constants exist so responses can be inspected.
type MsgFlag uint32

// The OP_MSG flags.
const (
	ChecksumPresent MsgFlag = 1 << iota
	MoreToCome
	ExhaustAllowed MsgFlag = 1 << 16
)

var globalRequestID int32

// NextRequestID returns the next request ID. IDs are monotonic across all
// connections in the process.
func NextRequestID() int32 { return atomic.AddInt32(&globalRequestID, 1) }

// FramingError is returned when a message violates the wire format, most
// commonly a length prefix outside the legal bounds.
type FramingError struct {
	Length int32
	Reason string
}

// Error implements the error interface.
func (e FramingError) Error() string {
	return fmt.Sprintf("wiremessage: invalid frame of %d bytes: %s", e.Length, e.Reason)
}

// ValidateLength checks a decoded messageLength prefix against the legal
// bounds for a response frame.
func ValidateLength(length int32) error {
	if length < MinMsgLen {
		return FramingError{Length: length, Reason: "shorter than the minimum message"}
	}
	if length > MaxMessageSize {
		return FramingError{Length: length, Reason: "exceeds the 16 MiB maximum message size"}
	}
	return nil
}

// Header is the standard 16 byte message header.
type Header struct {
	Length     int32
	RequestID  int32
	ResponseTo int32
	OpCode     OpCode
}

// AppendHeader appends the header to dst.
func (h Header) AppendHeader(dst []byte) []byte {
	dst = appendi32(dst, h.Length)
	dst = appendi32(dst, h.RequestID)
	dst = appendi32(dst, h.ResponseTo)
	dst = appendi32(dst, int32(h.OpCode))
	return dst
}

// ReadHeader reads a header from src.
func ReadHeader(src []byte) (Header, error) {
	if len(src) < HeaderLen {
		return Header{}, FramingError{Length: int32(len(src)), Reason: "not enough bytes for a header"}
	}
	return Header{
		Length:     readi32(src, 0),
		RequestID:  readi32(src, 4),
		ResponseTo: readi32(src, 8),
		OpCode:     OpCode(readi32(src, 12)),
	}, nil
}

// AppendMsg frames body as a complete OP_MSG with a single type 0 payload
// section and the given request ID. The encoded messageLength is always
// 21 + len(body).
func AppendMsg(dst []byte, requestID int32, flags MsgFlag, body bsoncore.Document) []byte {
	hdr := Header{
		Length:    int32(MinMsgLen + len(body)),
		RequestID: requestID,
		OpCode:    OpMsg,
	}
	dst = hdr.AppendHeader(dst)
	dst = appendi32(dst, int32(flags))
	dst = append(dst, 0) // payload type 0
	dst = append(dst, body...)
	return dst
}

// ReadMsg disassembles a complete OP_MSG frame, returning the flag bits and
// the BSON body of its type 0 section.
func ReadMsg(msg []byte) (MsgFlag, bsoncore.Document, error) {
	hdr, err := ReadHeader(msg)
	if err != nil {
		return 0, nil, err
	}
	if err := ValidateLength(hdr.Length); err != nil {
		return 0, nil, err
	}
	if int(hdr.Length) != len(msg) {
		return 0, nil, FramingError{Length: hdr.Length, Reason: "length prefix does not match frame size"}
	}
	if hdr.OpCode != OpMsg {
		return 0, nil, FramingError{Length: hdr.Length, Reason: fmt.Sprintf("unexpected opcode %s", hdr.OpCode)}
	}

	flags := MsgFlag(readi32(msg, HeaderLen))
	if msg[HeaderLen+4] != 0 {
		return 0, nil, FramingError{Length: hdr.Length, Reason: "unsupported payload type"}
	}

	body := msg[MinMsgLen:]
	if len(body) == 0 {
		// A 21 byte frame decodes as the empty document.
		return flags, bsoncore.Document{0x05, 0x00, 0x00, 0x00, 0x00}, nil
	}

	doc, _, ok := bsoncore.ReadDocument(body)
	if !ok {
		return 0, nil, FramingError{Length: hdr.Length, Reason: "malformed BSON body"}
	}
	return flags, doc, nil
}

// AppendCompressed frames an already-compressed OP_MSG payload as an
// OP_COMPRESSED envelope. The payload must be everything after the original
// header, compressed.
func AppendCompressed(dst []byte, requestID int32, original OpCode, uncompressedSize int32, id CompressorID, payload []byte) []byte {
	hdr := Header{
		Length:    int32(HeaderLen + 9 + len(payload)),
		RequestID: requestID,
		OpCode:    OpCompressed,
	}
	dst = hdr.AppendHeader(dst)
	dst = appendi32(dst, int32(original))
	dst = appendi32(dst, uncompressedSize)
	dst = append(dst, byte(id))
	dst = append(dst, payload...)
	return dst
}

// Compressed is a disassembled OP_COMPRESSED envelope.
type Compressed struct {
	Header           Header
	OriginalOpCode   OpCode
	UncompressedSize int32
	CompressorID     CompressorID
	Payload          []byte
}

// ReadCompressed disassembles an OP_COMPRESSED frame.
func ReadCompressed(msg []byte) (Compressed, error) {
	hdr, err := ReadHeader(msg)
	if err != nil {
		return Compressed{}, err
	}
	if hdr.OpCode != OpCompressed {
		return Compressed{}, FramingError{Length: hdr.Length, Reason: fmt.Sprintf("unexpected opcode %s", hdr.OpCode)}
	}
	if len(msg) < HeaderLen+9 {
		return Compressed{}, FramingError{Length: int32(len(msg)), Reason: "OP_COMPRESSED envelope too short"}
	}
	return Compressed{
		Header:           hdr,
		OriginalOpCode:   OpCode(readi32(msg, HeaderLen)),
		UncompressedSize: readi32(msg, HeaderLen+4),
		CompressorID:     CompressorID(msg[HeaderLen+8]),
		Payload:          msg[HeaderLen+9:],
	}, nil
}

// CommandName returns the verb of a framed OP_MSG, which the wire format
// guarantees is the first key of the body. It returns the empty string for
// anything that is not a well formed OP_MSG.
func CommandName(msg []byte) string {
	if len(msg) <= MinMsgLen {
		return ""
	}
	hdr, err := ReadHeader(msg)
	if err != nil || hdr.OpCode != OpMsg {
		return ""
	}
	doc, _, ok := bsoncore.ReadDocument(msg[MinMsgLen:])
	if !ok {
		return ""
	}
	elem, err := doc.IndexErr(0)
	if err != nil {
		return ""
	}
	key, err := elem.KeyErr()
	if err != nil {
		return ""
	}
	return key
}

func appendi32(dst []byte, v int32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func readi32(b []byte, pos int32) int32 {
	return int32(b[pos]) | int32(b[pos+1])<<8 | int32(b[pos+2])<<16 | int32(b[pos+3])<<24
}
