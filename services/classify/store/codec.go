// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Vector wire format: a uint32 little-endian dimension prefix followed
// by dimension float32 values, little-endian. Explicit dimension makes
// truncated or mis-typed values detectable at read time.

// EncodeVector serialises a vector to its binary wire form.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4+4*len(vec))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(vec)))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4+4*i:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector parses a binary vector, validating the dimension prefix
// against the payload length.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("decode vector: %d bytes is too short for dimension prefix", len(data))
	}
	dim := binary.LittleEndian.Uint32(data[0:4])
	want := 4 + 4*int(dim)
	if len(data) != want {
		return nil, fmt.Errorf("decode vector: dimension %d implies %d bytes, have %d", dim, want, len(data))
	}

	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4+4*i:]))
	}
	return vec, nil
}
