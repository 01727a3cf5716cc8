/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package compression provides the pluggable payload codec used whenever a
Raft log entry, a spilled queue message, or a cached value crosses a
configurable size threshold. A compressed payload is wrapped in a
CompressedEntry carrying the codec tag and original length, so a reader
that later disables compression can still decode entries written under an
older configuration.
*/
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a payload codec.
type Algorithm int

const (
	AlgorithmNone Algorithm = iota
	AlgorithmSnappy
	AlgorithmLZ4
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmSnappy:
		return "snappy"
	case AlgorithmLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// ParseAlgorithm parses a codec name, defaulting to AlgorithmNone for the
// empty string.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "none", "":
		return AlgorithmNone, nil
	case "snappy":
		return AlgorithmSnappy, nil
	case "lz4":
		return AlgorithmLZ4, nil
	default:
		return AlgorithmNone, fmt.Errorf("unknown compression algorithm: %s", s)
	}
}

// Config controls when and how payloads get compressed.
type Config struct {
	Algorithm Algorithm
	// MinSize is the smallest payload, in bytes, that gets compressed.
	// Anything below this threshold is stored as AlgorithmNone regardless
	// of the configured Algorithm, since the framing overhead would
	// outweigh the savings.
	MinSize int
}

// DefaultConfig disables compression; callers opt in via COMPRESSION_CODEC.
func DefaultConfig() Config {
	return Config{Algorithm: AlgorithmNone, MinSize: 256}
}

// CompressedEntry wraps a possibly-compressed payload with enough metadata
// to decode it regardless of the codec active when it is read back.
type CompressedEntry struct {
	Codec       Algorithm `json:"codec"`
	OriginalLen int       `json:"original_len"`
	Payload     []byte    `json:"payload"`
}

// Compressor compresses and decompresses payloads under one Config.
type Compressor struct {
	config Config
}

// NewCompressor returns a Compressor bound to config.
func NewCompressor(config Config) *Compressor {
	return &Compressor{config: config}
}

// Compress wraps data in a CompressedEntry, compressing it with the
// configured algorithm unless data is smaller than MinSize.
func (c *Compressor) Compress(data []byte) (*CompressedEntry, error) {
	if len(data) < c.config.MinSize {
		return &CompressedEntry{Codec: AlgorithmNone, OriginalLen: len(data), Payload: data}, nil
	}
	payload, err := encode(c.config.Algorithm, data)
	if err != nil {
		return nil, err
	}
	return &CompressedEntry{Codec: c.config.Algorithm, OriginalLen: len(data), Payload: payload}, nil
}

// Decompress recovers the original bytes from entry, using entry's own
// codec tag rather than the Compressor's configured algorithm.
func (c *Compressor) Decompress(entry *CompressedEntry) ([]byte, error) {
	return decode(entry.Codec, entry.Payload, entry.OriginalLen)
}

func encode(algo Algorithm, data []byte) ([]byte, error) {
	switch algo {
	case AlgorithmNone:
		return data, nil
	case AlgorithmSnappy:
		return snappy.Encode(nil, data), nil
	case AlgorithmLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %v", algo)
	}
}

func decode(algo Algorithm, payload []byte, originalLen int) ([]byte, error) {
	switch algo {
	case AlgorithmNone:
		return payload, nil
	case AlgorithmSnappy:
		out, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("snappy decompress: %w", err)
		}
		return out, nil
	case AlgorithmLZ4:
		r := lz4.NewReader(bytes.NewReader(payload))
		out := make([]byte, 0, originalLen)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				out = append(out, buf[:n]...)
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("lz4 decompress: %w", err)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %v", algo)
	}
}
