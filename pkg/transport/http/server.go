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

package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jeremyhahn/go-secagg/pkg/secagg"
	"github.com/jeremyhahn/go-secagg/pkg/transport"
	tlsconfig "github.com/jeremyhahn/go-secagg/pkg/transport/tls"
)

type participantKey struct{}

// ServerOption configures an HTTPServer.
type ServerOption func(*HTTPServer)

// WithMetrics records session metrics in mc and serves them on /metrics.
func WithMetrics(mc *transport.MetricsCollector) ServerOption {
	return func(s *HTTPServer) {
		s.metrics = mc
	}
}

// WithSessionOptions passes extra options to the underlying session.
func WithSessionOptions(opts ...transport.SessionOption) ServerOption {
	return func(s *HTTPServer) {
		s.sessionOpts = append(s.sessionOpts, opts...)
	}
}

// HTTPServer implements transport.Coordinator using HTTP/REST
type HTTPServer struct {
	config      *transport.Config
	session     *transport.Session
	serializer  *transport.Serializer
	metrics     *transport.MetricsCollector
	logger      transport.Logger
	sessionOpts []transport.SessionOption
	router      chi.Router
	server      *http.Server
	listener    net.Listener
	limiters    transport.RateLimiters

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewHTTPServer creates a coordinator serving one session for registry.
func NewHTTPServer(config *transport.Config, sessionConfig *transport.SessionConfig,
	registry *secagg.Registry, opts ...ServerOption) (*HTTPServer, error) {
	if config == nil {
		return nil, transport.ErrInvalidConfig
	}
	if config.CodecType == "" {
		config.CodecType = transport.DefaultCodec
	}
	if config.Timeout == 0 {
		config.Timeout = transport.DefaultTimeout
	}

	serializer, err := transport.NewSerializer(config.CodecType)
	if err != nil {
		return nil, err
	}

	s := &HTTPServer{
		config:     config,
		serializer: serializer,
		logger:     config.GetLogger(),
		limiters:   transport.NewRateLimiters(config, registry),
	}
	for _, opt := range opts {
		opt(s)
	}

	sessionOpts := append([]transport.SessionOption{
		transport.WithLogger(s.logger),
		transport.WithMetrics(s.metrics),
	}, s.sessionOpts...)
	s.session, err = transport.NewSession(sessionConfig, registry, sessionOpts...)
	if err != nil {
		return nil, err
	}
	s.router = s.routes()
	return s, nil
}

func (s *HTTPServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get(PathHealth, s.handleHealth)
	r.Handle(PathMetrics, s.metrics.Handler())
	r.Get(PathSessions, s.handleGetSession)

	r.Route(PathSession, func(r chi.Router) {
		r.Use(s.checkSession)
		r.Get("/", s.handleGetSession)
		r.Get("/status", s.handleStatus)

		r.Group(func(r chi.Router) {
			r.Use(s.identify)
			r.With(s.rateLimit).Post("/join", s.handleJoin)
			r.With(s.rateLimit).Post("/rounds/{round}", s.handleSubmit)
			r.Get("/rounds/{round}", s.handleResult)
			r.Get("/complete", s.handleComplete)
		})
	})
	return r
}

// Handler returns the router, for mounting in another server or httptest.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start begins listening for participant connections
func (s *HTTPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.mu.Unlock()

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return transport.NewConnectionError(s.config.Address, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.config.Timeout,
		WriteTimeout:      s.config.Timeout + MaxWait,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
		tlsCfg, err := tlsconfig.ServerConfig(s.config.TLSCertFile, s.config.TLSKeyFile, s.config.TLSCAFile)
		if err != nil {
			_ = s.listener.Close()
			return transport.NewTLSError("failed to configure TLS", err)
		}
		s.server.TLSConfig = tlsCfg
		s.listener = tls.NewListener(s.listener, tlsCfg)
	}

	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server: %v", err)
		}
	}()

	s.logger.Info("http coordinator serving session %s on %s", s.session.ID(), s.Address())
	return nil
}

// Stop gracefully shuts down the coordinator and abandons an unfinished
// session.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.session.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Address returns the network address the coordinator is listening on
func (s *HTTPServer) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// SessionID returns the session id.
func (s *HTTPServer) SessionID() string {
	return s.session.ID()
}

// Session returns the session served by this coordinator.
func (s *HTTPServer) Session() *transport.Session {
	return s.session
}

// WaitForParticipants blocks until n participants have joined.
func (s *HTTPServer) WaitForParticipants(ctx context.Context, n int) error {
	return s.session.WaitForParticipants(ctx, n)
}

// Aggregate blocks until the session completes.
func (s *HTTPServer) Aggregate(ctx context.Context) (secagg.Vector, error) {
	return s.session.Aggregate(ctx)
}

func (s *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("%s %s %d %s [%s]", r.Method, r.URL.Path, ww.Status(),
			time.Since(start), middleware.GetReqID(r.Context()))
	})
}

func (s *HTTPServer) checkSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "sessionID") != s.session.ID() {
			s.writeError(w, r, transport.ErrSessionNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// identify reads the participant id header into the request context.
// Ids outside the registry are rejected before any per-participant state
// is touched.
func (s *HTTPServer) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(r.Header.Get(HeaderParticipantID), 10, 64)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: missing or invalid %s header", transport.ErrInvalidMessage, HeaderParticipantID))
			return
		}
		if _, ok := s.session.Registry().Lookup(secagg.ID(id)); !ok {
			s.writeError(w, r, fmt.Errorf("%w: %d", transport.ErrUnknownParticipant, id))
			return
		}
		ctx := context.WithValue(r.Context(), participantKey{}, secagg.ID(id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.limiters.Allow(participantID(r)); err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func participantID(r *http.Request) secagg.ID {
	id, _ := r.Context().Value(participantKey{}).(secagg.ID)
	return id
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(HeaderContentType, ContentTypeText)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, r, http.StatusOK, s.session.Info())
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, r, http.StatusOK, s.session.Status())
}

func (s *HTTPServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	var join transport.JoinMessage
	if err := s.readRequest(r, &join); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := participantID(r)
	if join.ParticipantID != uint64(id) {
		s.writeError(w, r, fmt.Errorf("%w: join for %d sent by %d", transport.ErrInvalidMessage, join.ParticipantID, id))
		return
	}
	info, err := s.session.Join(id, join.SigningKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResponse(w, r, http.StatusCreated, info)
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	round, err := roundParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var submit transport.SubmitMessage
	if err := s.readRequest(r, &submit); err != nil {
		s.writeError(w, r, err)
		return
	}
	if submit.Round != round {
		s.writeError(w, r, fmt.Errorf("%w: body round %d, path round %d", transport.ErrInvalidMessage, submit.Round, round))
		return
	}
	if err := s.session.Submit(participantID(r), round, submit.Data); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleResult(w http.ResponseWriter, r *http.Request) {
	round, err := roundParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := participantID(r)

	var data []byte
	wait := waitParam(r)
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		data, err = s.session.Result(ctx, id, round)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			err = transport.ErrPending
		}
	} else {
		data, err = s.session.TryResult(id, round)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResponse(w, r, http.StatusOK, &transport.RoundResultMessage{Round: round, Data: data})
}

func (s *HTTPServer) handleComplete(w http.ResponseWriter, r *http.Request) {
	var (
		msg *transport.CompleteMessage
		err error
	)
	wait := waitParam(r)
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		msg, err = s.session.WaitComplete(ctx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			err = transport.ErrPending
		}
	} else {
		msg, err = s.session.Complete()
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResponse(w, r, http.StatusOK, msg)
}

func roundParam(r *http.Request) (int, error) {
	round, err := strconv.Atoi(chi.URLParam(r, "round"))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid round %q", transport.ErrInvalidMessage, chi.URLParam(r, "round"))
	}
	return round, nil
}

func waitParam(r *http.Request) time.Duration {
	d, err := time.ParseDuration(r.URL.Query().Get(QueryWait))
	if err != nil || d <= 0 {
		return 0
	}
	if d > MaxWait {
		return MaxWait
	}
	return d
}

// readRequest reads and deserializes a request body
func (s *HTTPServer) readRequest(r *http.Request, v any) error {
	maxSize := int64(transport.DefaultMaxMessageSize)
	if s.config.MaxMessageSize > 0 {
		maxSize = int64(s.config.MaxMessageSize)
	}
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: limit %d bytes", transport.ErrMessageTooLarge, tooLarge.Limit)
		}
		return fmt.Errorf("%w: %w", transport.ErrInvalidMessage, err)
	}

	serializer := s.serializer
	if ct := r.Header.Get(HeaderContentType); ct != "" {
		if serializer, err = transport.NewSerializerForContentType(ct); err != nil {
			return err
		}
	}
	if err := serializer.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrInvalidMessage, err)
	}
	return nil
}

// responseSerializer picks the codec from the Accept header, falling back
// to the configured codec.
func (s *HTTPServer) responseSerializer(r *http.Request) *transport.Serializer {
	if accept := r.Header.Get(HeaderAccept); accept != "" {
		if serializer, err := transport.NewSerializerForContentType(accept); err == nil {
			return serializer
		}
	}
	return s.serializer
}

// writeResponse serializes and writes a response
func (s *HTTPServer) writeResponse(w http.ResponseWriter, r *http.Request, status int, v any) {
	serializer := s.responseSerializer(r)
	data, err := serializer.Marshal(v)
	if err != nil {
		s.logger.Error("serializing %T response: %v", v, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set(HeaderContentType, serializer.ContentType())
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes err as an ErrorMessage with the matching status code.
func (s *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	msg := transport.NewErrorMessage(err)
	if msg.Code >= http.StatusInternalServerError {
		s.logger.Error("%s %s: %v", r.Method, r.URL.Path, err)
	}
	s.writeResponse(w, r, msg.Code, msg)
}

var _ transport.Coordinator = (*HTTPServer)(nil)
