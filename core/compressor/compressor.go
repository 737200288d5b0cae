// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package compressor provides the compressors that can wrap wire messages in
// OP_COMPRESSED envelopes. Which compressor is used for a connection is
// negotiated through the compression array of the initial handshake.
package compressor

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/mongolite/mongolite/core/wiremessage"
)

// Compressor is the interface implemented by types that can compress and
// decompress wire messages.
type Compressor interface {
	Name() string
	ID() wiremessage.CompressorID
	CompressBytes(src []byte) ([]byte, error)
	UncompressBytes(src []byte, uncompressedSize int32) ([]byte, error)
}

// New returns the compressor with the given name. Supported names are
// "snappy", "zlib", and "zstd".
func New(name string) (Compressor, error) {
	switch name {
	case "snappy":
		return &snappyCompressor{}, nil
	case "zlib":
		return &zlibCompressor{level: zlib.DefaultCompression}, nil
	case "zstd":
		return newZstdCompressor()
	default:
		return nil, fmt.Errorf("compressor: unsupported compressor %q", name)
	}
}

// ByID returns the compressor matching a CompressorID from a response
// envelope. The server does not guarantee the same method is used for every
// response, so the ID on each envelope must be honored.
func ByID(id wiremessage.CompressorID) (Compressor, error) {
	switch id {
	case wiremessage.CompressorSnappy:
		return &snappyCompressor{}, nil
	case wiremessage.CompressorZLib:
		return &zlibCompressor{level: zlib.DefaultCompression}, nil
	case wiremessage.CompressorZstd:
		return newZstdCompressor()
	default:
		return nil, fmt.Errorf("compressor: unsupported compressor ID %d", id)
	}
}

type snappyCompressor struct{}

func (snappyCompressor) Name() string                 { return "snappy" }
func (snappyCompressor) ID() wiremessage.CompressorID { return wiremessage.CompressorSnappy }

func (snappyCompressor) CompressBytes(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCompressor) UncompressBytes(src []byte, _ int32) ([]byte, error) {
	return snappy.Decode(nil, src)
}

type zlibCompressor struct {
	level int
}

func (zlibCompressor) Name() string                 { return "zlib" }
func (zlibCompressor) ID() wiremessage.CompressorID { return wiremessage.CompressorZLib }

func (z zlibCompressor) CompressBytes(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, z.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (zlibCompressor) UncompressBytes(src []byte, uncompressedSize int32) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	dst := make([]byte, 0, uncompressedSize)
	buf := bytes.NewBuffer(dst)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCompressor() (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (zstdCompressor) Name() string                 { return "zstd" }
func (zstdCompressor) ID() wiremessage.CompressorID { return wiremessage.CompressorZstd }

func (z *zstdCompressor) CompressBytes(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, nil), nil
}

func (z *zstdCompressor) UncompressBytes(src []byte, uncompressedSize int32) ([]byte, error) {
	return z.dec.DecodeAll(src, make([]byte, 0, uncompressedSize))
}

// CanCompress reports whether messages for the given command may be
// compressed. Handshake and authentication commands are always sent
// uncompressed.
func CanCompress(cmd string) bool {
	switch cmd {
	case "isMaster", "ismaster", "hello", "saslStart", "saslContinue", "getnonce", "authenticate",
		"createUser", "updateUser", "copydbsaslstart", "copydbgetnonce", "copydb":
		return false
	}
	return true
}
