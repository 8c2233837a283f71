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

package grpc

import (
	"google.golang.org/grpc/encoding"

	"github.com/jeremyhahn/go-secagg/pkg/transport"
)

// codec exposes a transport.Serializer as a gRPC codec. Its name is the
// content subtype clients select with grpc.CallContentSubtype.
type codec struct {
	serializer *transport.Serializer
}

func (c codec) Marshal(v any) ([]byte, error) {
	return c.serializer.Marshal(v)
}

func (c codec) Unmarshal(data []byte, v any) error {
	return c.serializer.Unmarshal(data, v)
}

func (c codec) Name() string {
	return c.serializer.CodecType()
}

func init() {
	for _, name := range transport.Codecs {
		serializer, err := transport.NewSerializer(name)
		if err != nil {
			panic(err)
		}
		encoding.RegisterCodec(codec{serializer: serializer})
	}
}
