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

package secagg

import (
	"github.com/fxamacker/cbor/v2"
)

// maxVectorElements bounds decoded arrays so a hostile peer cannot force
// unbounded allocation.
const maxVectorElements = 1 << 24

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("secagg: cbor encode mode: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  maxVectorElements,
	}.DecMode()
	if err != nil {
		panic("secagg: cbor decode mode: " + err.Error())
	}
}

// wireMessage is the self-describing frame [kind, body].
type wireMessage struct {
	_    struct{} `cbor:",toarray"`
	Kind Kind
	Body cbor.RawMessage
}

// EncodeMessage serializes msg into its wire form.
func EncodeMessage(msg Message) ([]byte, error) {
	body, err := encMode.Marshal(msg)
	if err != nil {
		return nil, malformed("encode %s: %v", msg.Kind(), err)
	}
	return encMode.Marshal(wireMessage{Kind: msg.Kind(), Body: body})
}

// DecodeMessage parses a wire message. Any failure, including an unknown
// kind or a fixed-size field of the wrong length, is ErrMalformedMessage.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, malformed("decode frame: %v", err)
	}
	switch w.Kind {
	case KindBegin:
		return decodeBody[Begin](w)
	case KindAdvertiseKeys:
		return decodeBody[AdvertiseKeys](w)
	case KindKeyMap:
		return decodeBody[KeyMap](w)
	case KindShareKeys:
		return decodeBody[ShareKeys](w)
	case KindEnvelopes:
		return decodeBody[Envelopes](w)
	case KindMaskedInput:
		return decodeBody[MaskedInput](w)
	case KindAliveSet:
		return decodeBody[AliveSet](w)
	case KindAliveSignature:
		return decodeBody[AliveSignature](w)
	case KindAliveSignatures:
		return decodeBody[AliveSignatures](w)
	case KindRevealedShares:
		return decodeBody[RevealedShares](w)
	default:
		return nil, malformed("unknown message kind %d", uint8(w.Kind))
	}
}

func decodeBody[T Message](w wireMessage) (Message, error) {
	var v T
	if err := decMode.Unmarshal(w.Body, &v); err != nil {
		return nil, malformed("decode %s: %v", w.Kind, err)
	}
	return v, nil
}

// Round0SeedMessage returns the serialized Begin message every user
// receives to start round 0.
func Round0SeedMessage() []byte {
	data, err := EncodeMessage(Begin{})
	if err != nil {
		panic(err)
	}
	return data
}

func encodeRecord(rec ShareRecord) ([]byte, error) {
	return encMode.Marshal(rec)
}

func decodeRecord(data []byte) (ShareRecord, error) {
	var rec ShareRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return ShareRecord{}, malformed("decode share record: %v", err)
	}
	return rec, nil
}
