// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	formatVersion = 1

	// DigestSize is the length of the BLAKE3 digest in a frame header.
	DigestSize = 32

	// MaxSize bounds the uncompressed length Unpack will allocate.
	MaxSize = 64 << 20
)

// ErrCorrupt is wrapped by every Unpack failure caused by frame
// contents rather than by the caller.
var ErrCorrupt = errors.New("blob: corrupt frame")

// Header describes a packed frame.
type Header struct {
	Compression Compression
	Size        int
	Digest      [DigestSize]byte
}

// Digest returns the BLAKE3-256 digest of data.
func Digest(data []byte) [DigestSize]byte {
	return blake3.Sum256(data)
}

// Pack frames data using the preferred compression, falling back to
// None when compression does not shrink it.
func Pack(data []byte, preferred Compression) ([]byte, error) {
	if len(data) > MaxSize {
		return nil, fmt.Errorf("blob: %d bytes exceeds the %d byte limit", len(data), MaxSize)
	}

	tag := preferred
	payload, err := compress(data, preferred)
	if errors.Is(err, errIncompressible) {
		tag, payload = None, data
	} else if err != nil {
		return nil, err
	}

	digest := Digest(data)
	frame := make([]byte, 0, 2+binary.MaxVarintLen64+DigestSize+len(payload))
	frame = append(frame, formatVersion, byte(tag))
	frame = binary.AppendUvarint(frame, uint64(len(data)))
	frame = append(frame, digest[:]...)
	frame = append(frame, payload...)
	return frame, nil
}

// ReadHeader parses the header of a frame and returns it with the
// payload that follows.
func ReadHeader(frame []byte) (Header, []byte, error) {
	var header Header
	if len(frame) < 2 {
		return header, nil, fmt.Errorf("%w: %d bytes is shorter than a header", ErrCorrupt, len(frame))
	}
	if frame[0] != formatVersion {
		return header, nil, fmt.Errorf("%w: unknown format version %d", ErrCorrupt, frame[0])
	}
	header.Compression = Compression(frame[1])

	size, read := binary.Uvarint(frame[2:])
	if read <= 0 {
		return header, nil, fmt.Errorf("%w: bad length field", ErrCorrupt)
	}
	if size > MaxSize {
		return header, nil, fmt.Errorf("%w: length %d exceeds limit", ErrCorrupt, size)
	}
	header.Size = int(size)

	rest := frame[2+read:]
	if len(rest) < DigestSize {
		return header, nil, fmt.Errorf("%w: truncated digest", ErrCorrupt)
	}
	copy(header.Digest[:], rest[:DigestSize])
	return header, rest[DigestSize:], nil
}

// Unpack decompresses a frame and verifies its digest.
func Unpack(frame []byte) ([]byte, error) {
	header, payload, err := ReadHeader(frame)
	if err != nil {
		return nil, err
	}

	data, err := decompress(payload, header.Compression, header.Size)
	if err != nil {
		return nil, err
	}

	actual := Digest(data)
	if subtle.ConstantTimeCompare(actual[:], header.Digest[:]) != 1 {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}
	return data, nil
}
