// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package compressor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressorsRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 64)

	for _, name := range []string{"snappy", "zlib", "zstd"} {
		t.Run(name, func(t *testing.T) {
			comp, err := New(name)
			require.NoError(t, err)
			assert.Equal(t, name, comp.Name())

			compressed, err := comp.CompressBytes(payload)
			require.NoError(t, err)
			assert.Less(t, len(compressed), len(payload), "repetitive payload should shrink")

			// Decompression goes through ByID, the path the receive
			// side uses.
			uncompressor, err := ByID(comp.ID())
			require.NoError(t, err)

			out, err := uncompressor.UncompressBytes(compressed, int32(len(payload)))
			require.NoError(t, err)
			assert.Equal(t, payload, out)
		})
	}
}

func TestNewUnknownCompressor(t *testing.T) {
	_, err := New("lz4")
	assert.Error(t, err)
}

func TestCanCompress(t *testing.T) {
	for _, cmd := range []string{"isMaster", "hello", "saslStart", "saslContinue", "authenticate"} {
		assert.False(t, CanCompress(cmd), "%s must never be compressed", cmd)
	}
	for _, cmd := range []string{"insert", "find", "update", "getMore", "commitTransaction"} {
		assert.True(t, CanCompress(cmd), "%s should be compressible", cmd)
	}
}
