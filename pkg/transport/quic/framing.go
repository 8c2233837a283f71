// SPDX-License-Identifier: Apache-2.0
//
// Copyright 2025 Jeremy Hahn
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package quic provides a QUIC transport for secure aggregation.
//
// Each participant opens one bidirectional stream to the coordinator. Both
// directions carry length-prefixed envelopes: a 4-byte big-endian length
// followed by the serialized transport.Envelope.
//
// The participant sends Join and Submit requests and reads one reply per
// request. Independently of those replies the coordinator pushes every
// round input as soon as its round closes, then the Complete message. A
// pushed session failure arrives as an Error envelope with round -1.
package quic

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jeremyhahn/go-secagg/pkg/transport"
)

// pushRound marks an Error envelope that is not a reply to a request.
const pushRound = -1

// frameWriter serializes envelopes onto a stream. Writes are serialized
// so replies and pushes never interleave.
type frameWriter struct {
	mu         sync.Mutex
	w          io.Writer
	serializer *transport.Serializer
	maxSize    int
}

func (fw *frameWriter) write(env *transport.Envelope) error {
	data, err := fw.serializer.Marshal(env)
	if err != nil {
		return err
	}
	if len(data) > fw.maxSize {
		return fmt.Errorf("%w: %d bytes", transport.ErrMessageTooLarge, len(data))
	}

	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], safeUint32(len(data)))

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(lengthBuf[:]); err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}

// send builds and writes an envelope carrying msg.
func (fw *frameWriter) send(sessionID string, msgType transport.MessageType, sender uint64, round int, msg any) error {
	var payload []byte
	if msg != nil {
		var err error
		if payload, err = fw.serializer.Marshal(msg); err != nil {
			return err
		}
	}
	return fw.write(&transport.Envelope{
		SessionID: sessionID,
		Type:      msgType,
		SenderID:  sender,
		Round:     round,
		Payload:   payload,
		Timestamp: time.Now().UnixNano(),
	})
}

func (fw *frameWriter) sendError(sessionID string, round int, err error) error {
	return fw.send(sessionID, transport.MsgTypeError, 0, round, transport.NewErrorMessage(err))
}

// readEnvelope reads one frame. A frame over maxSize is not consumed, so
// the stream cannot be used afterwards.
func readEnvelope(r io.Reader, serializer *transport.Serializer, maxSize int) (*transport.Envelope, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > safeUint32(maxSize) {
		return nil, fmt.Errorf("%w: frame of %d bytes", transport.ErrMessageTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	var env transport.Envelope
	if err := serializer.UnmarshalEnvelope(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrInvalidMessage, err)
	}
	return &env, nil
}

// safeUint64 safely converts a non-negative int to uint64.
func safeUint64(n int) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// safeUint32 safely converts a non-negative int to uint32.
// Returns 0 if the input is negative or exceeds MaxUint32.
func safeUint32(n int) uint32 {
	if n < 0 || n > int(^uint32(0)) {
		return 0
	}
	return uint32(n)
}

func maxMessageSize(cfg *transport.Config) int {
	if cfg.MaxMessageSize > 0 {
		return cfg.MaxMessageSize
	}
	return transport.DefaultMaxMessageSize
}

func timeout(cfg *transport.Config) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return transport.DefaultTimeout
}

// keepAlive returns the keepalive period, capped at half the idle timeout.
func keepAlive(cfg *transport.Config) time.Duration {
	interval := cfg.KeepAliveInterval
	if interval <= 0 {
		interval = transport.DefaultKeepAliveInterval
	}
	if limit := timeout(cfg) / 2; interval > limit {
		interval = limit
	}
	return interval
}
