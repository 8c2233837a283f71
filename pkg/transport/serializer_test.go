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

package transport

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestNewSerializer_ValidCodecs(t *testing.T) {
	for _, codec := range Codecs {
		t.Run(codec, func(t *testing.T) {
			s, err := NewSerializer(codec)
			if err != nil {
				t.Fatalf("expected no error for codec %s, got: %v", codec, err)
			}
			if s.CodecType() != codec {
				t.Errorf("expected codecType %s, got %s", codec, s.CodecType())
			}
			if s.ContentType() == "" {
				t.Errorf("expected a content type for %s", codec)
			}
		})
	}
}

func TestNewSerializer_InvalidCodec(t *testing.T) {
	s, err := NewSerializer("invalid")
	if err == nil {
		t.Fatal("expected error for invalid codec, got nil")
	}
	if s != nil {
		t.Errorf("expected nil serializer, got %v", s)
	}

	var serErr *SerializerError
	if !errors.As(err, &serErr) {
		t.Fatalf("expected SerializerError, got %T", err)
	}
	if serErr.Operation != "create" {
		t.Errorf("expected operation 'create', got %s", serErr.Operation)
	}
	if !errors.Is(err, ErrCodecNotSupported) {
		t.Errorf("expected ErrCodecNotSupported, got %v", err)
	}
}

func TestNewSerializerForContentType(t *testing.T) {
	tests := []struct {
		contentType string
		codec       string
	}{
		{"application/json", "json"},
		{"application/json; charset=utf-8", "json"},
		{"application/CBOR", "cbor"},
		{"application/msgpack", "msgpack"},
		{"application/yaml", "yaml"},
		{"application/bson", "bson"},
		{"application/toml", "toml"},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			s, err := NewSerializerForContentType(tt.contentType)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.CodecType() != tt.codec {
				t.Errorf("expected %s, got %s", tt.codec, s.CodecType())
			}
		})
	}

	if _, err := NewSerializerForContentType("text/html"); !errors.Is(err, ErrCodecNotSupported) {
		t.Errorf("expected ErrCodecNotSupported, got %v", err)
	}
}

func TestSerializer_MarshalUnmarshal_SubmitMessage(t *testing.T) {
	codecs := []string{"json", "msgpack", "cbor"}

	original := &SubmitMessage{
		Round: 2,
		Data:  []byte{0x82, 0x03, 0x00, 0xff},
	}

	for _, codec := range codecs {
		t.Run(codec, func(t *testing.T) {
			s, err := NewSerializer(codec)
			if err != nil {
				t.Fatalf("failed to create serializer: %v", err)
			}

			data, err := s.Marshal(original)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}

			var decoded SubmitMessage
			if err := s.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if decoded.Round != original.Round || !bytes.Equal(decoded.Data, original.Data) {
				t.Errorf("round trip mismatch: got %+v", decoded)
			}
		})
	}
}

func TestSerializer_MarshalUnmarshal_SessionInfo(t *testing.T) {
	original := &SessionInfoMessage{
		SessionID:    "session-1",
		Threshold:    3,
		VectorLength: 8,
		Participants: []uint64{1, 2, 3, 4},
	}

	for _, codec := range Codecs {
		t.Run(codec, func(t *testing.T) {
			s, err := NewSerializer(codec)
			if err != nil {
				t.Fatalf("failed to create serializer: %v", err)
			}

			data, err := s.Marshal(original)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}

			var decoded SessionInfoMessage
			if err := s.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if !reflect.DeepEqual(&decoded, original) {
				t.Errorf("round trip mismatch: got %+v", decoded)
			}
		})
	}
}

func TestSerializer_MarshalUnmarshal_Complete(t *testing.T) {
	original := &CompleteMessage{
		Aggregate:    []int64{-1, 0, 1 << 62},
		Contributors: []uint64{2, 5, 9},
	}

	for _, codec := range []string{"json", "msgpack", "cbor", "yaml", "bson"} {
		t.Run(codec, func(t *testing.T) {
			s, _ := NewSerializer(codec)
			data, err := s.Marshal(original)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			var decoded CompleteMessage
			if err := s.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if !reflect.DeepEqual(&decoded, original) {
				t.Errorf("round trip mismatch: got %+v", decoded)
			}
		})
	}
}

func TestSerializer_Envelope(t *testing.T) {
	codecs := []string{"json", "msgpack", "cbor"}
	timestamp := time.Now().UnixNano()
	msg := &RoundResultMessage{Round: 3, Data: []byte("result")}

	for _, codec := range codecs {
		t.Run(codec, func(t *testing.T) {
			s, _ := NewSerializer(codec)

			data, err := s.MarshalEnvelope("session-1", MsgTypeRoundResult, 42, 3, msg, timestamp)
			if err != nil {
				t.Fatalf("marshal envelope failed: %v", err)
			}

			var env Envelope
			if err := s.UnmarshalEnvelope(data, &env); err != nil {
				t.Fatalf("unmarshal envelope failed: %v", err)
			}
			if env.SessionID != "session-1" || env.Type != MsgTypeRoundResult || env.SenderID != 42 || env.Round != 3 {
				t.Errorf("unexpected envelope header: %+v", env)
			}
			if env.Timestamp != timestamp {
				t.Errorf("expected timestamp %d, got %d", timestamp, env.Timestamp)
			}

			var decoded RoundResultMessage
			if err := s.UnmarshalPayload(&env, &decoded); err != nil {
				t.Fatalf("unmarshal payload failed: %v", err)
			}
			if decoded.Round != 3 || string(decoded.Data) != "result" {
				t.Errorf("unexpected payload: %+v", decoded)
			}
		})
	}
}

func TestSerializer_EnvelopeMissingType(t *testing.T) {
	s, _ := NewSerializer("json")
	var env Envelope
	err := s.UnmarshalEnvelope([]byte(`{"session_id":"x"}`), &env)
	if !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestSerializer_UnmarshalGarbage(t *testing.T) {
	for _, codec := range []string{"json", "msgpack", "cbor"} {
		s, _ := NewSerializer(codec)
		var msg SubmitMessage
		err := s.Unmarshal([]byte{0xc1, 0xff, 0x00}, &msg)
		var serErr *SerializerError
		if !errors.As(err, &serErr) || serErr.Operation != "unmarshal" {
			t.Errorf("%s: expected unmarshal SerializerError, got %v", codec, err)
		}
	}
}

func TestMessageTypeString(t *testing.T) {
	tests := map[MessageType]string{
		MsgTypeJoin:        "join",
		MsgTypeSessionInfo: "session_info",
		MsgTypeSubmit:      "submit",
		MsgTypeRoundResult: "round_result",
		MsgTypeError:       "error",
		MsgTypeComplete:    "complete",
		MessageType(99):    "unknown",
	}
	for mt, want := range tests {
		if got := mt.String(); got != want {
			t.Errorf("MessageType(%d).String() = %s, want %s", mt, got, want)
		}
	}
}
