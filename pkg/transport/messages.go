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

// MessageType identifies transport-level messages. Protocol round payloads
// travel inside Submit and RoundResult as opaque secagg bytes.
type MessageType uint8

const (
	MsgTypeJoin        MessageType = 1 // Participant joining session
	MsgTypeSessionInfo MessageType = 2 // Session info from coordinator
	MsgTypeSubmit      MessageType = 3 // Participant's output for a round
	MsgTypeRoundResult MessageType = 4 // Coordinator's input for a participant's next round
	MsgTypeError       MessageType = 5 // Error message
	MsgTypeComplete    MessageType = 6 // Session complete
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case MsgTypeJoin:
		return "join"
	case MsgTypeSessionInfo:
		return "session_info"
	case MsgTypeSubmit:
		return "submit"
	case MsgTypeRoundResult:
		return "round_result"
	case MsgTypeError:
		return "error"
	case MsgTypeComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Envelope wraps all messages for transport
type Envelope struct {
	SessionID string      `json:"session_id" msgpack:"session_id" cbor:"1,keyasint" yaml:"session_id" bson:"session_id" toml:"session_id"`
	Type      MessageType `json:"type" msgpack:"type" cbor:"2,keyasint" yaml:"type" bson:"type" toml:"type"`
	SenderID  uint64      `json:"sender_id" msgpack:"sender_id" cbor:"3,keyasint" yaml:"sender_id" bson:"sender_id" toml:"sender_id"`
	Round     int         `json:"round" msgpack:"round" cbor:"4,keyasint" yaml:"round" bson:"round" toml:"round"`
	Payload   []byte      `json:"payload" msgpack:"payload" cbor:"5,keyasint" yaml:"payload" bson:"payload" toml:"payload"`
	Timestamp int64       `json:"timestamp" msgpack:"timestamp" cbor:"6,keyasint" yaml:"timestamp" bson:"timestamp" toml:"timestamp"`
}

// JoinMessage - participant requests to join
type JoinMessage struct {
	ParticipantID uint64 `json:"participant_id" msgpack:"participant_id" cbor:"1,keyasint" yaml:"participant_id" bson:"participant_id" toml:"participant_id"`
	SigningKey    []byte `json:"signing_key" msgpack:"signing_key" cbor:"2,keyasint" yaml:"signing_key" bson:"signing_key" toml:"signing_key"`
}

// SessionInfoMessage - coordinator sends session details
type SessionInfoMessage struct {
	SessionID    string   `json:"session_id" msgpack:"session_id" cbor:"1,keyasint" yaml:"session_id" bson:"session_id" toml:"session_id"`
	Threshold    int      `json:"threshold" msgpack:"threshold" cbor:"2,keyasint" yaml:"threshold" bson:"threshold" toml:"threshold"`
	VectorLength int      `json:"vector_length" msgpack:"vector_length" cbor:"3,keyasint" yaml:"vector_length" bson:"vector_length" toml:"vector_length"`
	Participants []uint64 `json:"participants" msgpack:"participants" cbor:"4,keyasint" yaml:"participants" bson:"participants" toml:"participants"`
}

// SubmitMessage - a participant's encoded secagg output for one round
type SubmitMessage struct {
	Round int    `json:"round" msgpack:"round" cbor:"1,keyasint" yaml:"round" bson:"round" toml:"round"`
	Data  []byte `json:"data" msgpack:"data" cbor:"2,keyasint" yaml:"data" bson:"data" toml:"data"`
}

// RoundResultMessage - the encoded secagg input a participant consumes in Round
type RoundResultMessage struct {
	Round int    `json:"round" msgpack:"round" cbor:"1,keyasint" yaml:"round" bson:"round" toml:"round"`
	Data  []byte `json:"data" msgpack:"data" cbor:"2,keyasint" yaml:"data" bson:"data" toml:"data"`
}

// ErrorMessage - error details
type ErrorMessage struct {
	Code    int    `json:"code" msgpack:"code" cbor:"1,keyasint" yaml:"code" bson:"code" toml:"code"`
	Message string `json:"message" msgpack:"message" cbor:"2,keyasint" yaml:"message" bson:"message" toml:"message"`
}

// CompleteMessage - final aggregate and the ids that contributed to it
type CompleteMessage struct {
	Aggregate    []int64  `json:"aggregate" msgpack:"aggregate" cbor:"1,keyasint" yaml:"aggregate" bson:"aggregate" toml:"aggregate"`
	Contributors []uint64 `json:"contributors" msgpack:"contributors" cbor:"2,keyasint" yaml:"contributors" bson:"contributors" toml:"contributors"`
}
