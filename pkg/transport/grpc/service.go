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

// Package grpc provides a gRPC transport for secure aggregation, over TCP or
// a Unix domain socket.
//
// The service is described by hand rather than generated from a .proto
// file: every method is a unary call whose request and response are the
// transport package's message structs, encoded with the codec named by the
// call's content subtype (application/grpc+cbor, application/grpc+json, ...).
//
// Participants identify themselves with the x-participant-id metadata key.
// Failures carry the transport error code in the x-secagg-error-code
// trailer so the client can map them back onto transport sentinels.
package grpc

import (
	"context"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"

	"github.com/jeremyhahn/go-secagg/pkg/transport"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "secagg.v1.Aggregation"

// Full method names.
const (
	MethodJoin     = "/" + ServiceName + "/Join"
	MethodSubmit   = "/" + ServiceName + "/Submit"
	MethodFetch    = "/" + ServiceName + "/Fetch"
	MethodComplete = "/" + ServiceName + "/Complete"
	MethodStatus   = "/" + ServiceName + "/Status"
)

// Metadata keys.
const (
	MetadataParticipantID = "x-participant-id"
	MetadataSessionID     = "x-session-id"
	MetadataErrorCode     = "x-secagg-error-code"
)

// MaxWait caps how long a Fetch or Complete call waits on the server.
const MaxWait = 10 * time.Second

// Empty is the request or response of calls that carry no data.
type Empty struct{}

// FetchRequest asks for the input of Round. WaitMillis bounds how long the
// server waits for the round to close; zero returns immediately.
type FetchRequest struct {
	Round      int   `json:"round" msgpack:"round" cbor:"1,keyasint" yaml:"round" bson:"round" toml:"round"`
	WaitMillis int64 `json:"wait_millis" msgpack:"wait_millis" cbor:"2,keyasint" yaml:"wait_millis" bson:"wait_millis" toml:"wait_millis"`
}

// CompleteRequest asks for the final aggregate.
type CompleteRequest struct {
	WaitMillis int64 `json:"wait_millis" msgpack:"wait_millis" cbor:"1,keyasint" yaml:"wait_millis" bson:"wait_millis" toml:"wait_millis"`
}

// AggregationServer is the server side of the service.
type AggregationServer interface {
	Join(ctx context.Context, msg *transport.JoinMessage) (*transport.SessionInfoMessage, error)
	Submit(ctx context.Context, msg *transport.SubmitMessage) (*Empty, error)
	Fetch(ctx context.Context, req *FetchRequest) (*transport.RoundResultMessage, error)
	Complete(ctx context.Context, req *CompleteRequest) (*transport.CompleteMessage, error)
	Status(ctx context.Context, req *Empty) (*transport.SessionStatus, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AggregationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: unaryHandler(MethodJoin, AggregationServer.Join)},
		{MethodName: "Submit", Handler: unaryHandler(MethodSubmit, AggregationServer.Submit)},
		{MethodName: "Fetch", Handler: unaryHandler(MethodFetch, AggregationServer.Fetch)},
		{MethodName: "Complete", Handler: unaryHandler(MethodComplete, AggregationServer.Complete)},
		{MethodName: "Status", Handler: unaryHandler(MethodStatus, AggregationServer.Status)},
	},
	Streams: []grpc.StreamDesc{},
}

// unaryHandler adapts a typed server method to grpc.MethodHandler.
func unaryHandler[Req, Resp any](method string,
	call func(AggregationServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AggregationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AggregationServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// statusCode maps a transport error code onto a gRPC status code.
func statusCode(code int) codes.Code {
	switch code {
	case http.StatusAccepted:
		return codes.Unavailable
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.FailedPrecondition
	case http.StatusGone:
		return codes.Aborted
	case http.StatusRequestEntityTooLarge, http.StatusTooManyRequests:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

func waitDuration(millis int64) time.Duration {
	d := time.Duration(millis) * time.Millisecond
	if d <= 0 {
		return 0
	}
	if d > MaxWait {
		return MaxWait
	}
	return d
}
