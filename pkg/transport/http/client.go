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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jeremyhahn/go-secagg/pkg/transport"
	tlsconfig "github.com/jeremyhahn/go-secagg/pkg/transport/tls"
)

// HTTPError is an error response whose body was not an ErrorMessage.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Is matches the sentinel errors carried by the status code.
func (e *HTTPError) Is(target error) bool {
	return (&transport.RemoteError{Code: e.StatusCode}).Is(target)
}

// HTTPClient implements transport.Participant using HTTP/REST
type HTTPClient struct {
	config     *transport.Config
	client     *http.Client
	serializer *transport.Serializer
	logger     transport.Logger
	useTLS     bool

	// PollWait is how long each result request waits on the server before
	// a 202 sends the client round again.
	PollWait time.Duration

	mu          sync.RWMutex
	serverAddr  string
	connected   bool
	participant uint64
	sessionInfo *transport.SessionInfoMessage
}

// NewHTTPClient creates a new HTTP client participant
func NewHTTPClient(config *transport.Config) (*HTTPClient, error) {
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

	httpTransport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	useTLS := false
	if config.TLSCertFile != "" || config.TLSKeyFile != "" || config.TLSCAFile != "" {
		tlsCfg, err := tlsconfig.ClientConfig(config.TLSCertFile, config.TLSKeyFile, config.TLSCAFile, "")
		if err != nil {
			return nil, transport.NewTLSError("failed to configure TLS", err)
		}
		httpTransport.TLSClientConfig = tlsCfg
		useTLS = true
	}

	return &HTTPClient{
		config: config,
		client: &http.Client{
			Timeout:   config.Timeout + MaxWait,
			Transport: httpTransport,
		},
		serializer: serializer,
		logger:     config.GetLogger(),
		useTLS:     useTLS,
		PollWait:   5 * time.Second,
	}, nil
}

// Connect checks that a coordinator answers at addr.
func (c *HTTPClient) Connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return transport.ErrAlreadyConnected
	}
	c.serverAddr = addr

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(PathHealth, nil), nil)
	if err != nil {
		return transport.NewConnectionError(addr, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return transport.NewConnectionError(addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return transport.NewConnectionError(addr, fmt.Errorf("health check failed with status %d", resp.StatusCode))
	}
	c.connected = true
	return nil
}

// Disconnect closes the connection to the coordinator
func (c *HTTPClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return transport.ErrNotConnected
	}
	c.client.CloseIdleConnections()
	c.connected = false
	c.sessionInfo = nil
	return nil
}

// Run joins the coordinator's session and executes the protocol.
func (c *HTTPClient) Run(ctx context.Context, params *transport.Params) (*transport.Result, error) {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return nil, transport.ErrNotConnected
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	info, err := c.joinSession(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to join session: %w", err)
	}
	return transport.RunUser(ctx, info, params, c, c.logger)
}

// joinSession discovers the session id and joins it.
func (c *HTTPClient) joinSession(ctx context.Context, params *transport.Params) (*transport.SessionInfoMessage, error) {
	var discovered transport.SessionInfoMessage
	if err := c.do(ctx, http.MethodGet, PathSessions, nil, nil, &discovered); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.participant = uint64(params.ID)
	c.mu.Unlock()

	pk := params.SigningKey.Public()
	join := &transport.JoinMessage{ParticipantID: uint64(params.ID), SigningKey: pk[:]}
	var info transport.SessionInfoMessage
	if err := c.do(ctx, http.MethodPost, JoinPath(discovered.SessionID), nil, join, &info); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessionInfo = &info
	c.mu.Unlock()
	return &info, nil
}

// SessionInfo returns the info received when joining, or nil.
func (c *HTTPClient) SessionInfo() *transport.SessionInfoMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionInfo
}

func (c *HTTPClient) sessionID() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sessionInfo == nil {
		return "", transport.ErrNotJoined
	}
	return c.sessionInfo.SessionID, nil
}

// Fetch implements transport.RoundExchanger by long-polling the round path.
func (c *HTTPClient) Fetch(ctx context.Context, round int) ([]byte, error) {
	sid, err := c.sessionID()
	if err != nil {
		return nil, err
	}
	var result transport.RoundResultMessage
	if err := c.poll(ctx, RoundPath(sid, round), &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// Submit implements transport.RoundExchanger.
func (c *HTTPClient) Submit(ctx context.Context, round int, data []byte) error {
	sid, err := c.sessionID()
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, RoundPath(sid, round), nil,
		&transport.SubmitMessage{Round: round, Data: data}, nil)
}

// Complete implements transport.RoundExchanger.
func (c *HTTPClient) Complete(ctx context.Context) (*transport.CompleteMessage, error) {
	sid, err := c.sessionID()
	if err != nil {
		return nil, err
	}
	var msg transport.CompleteMessage
	if err := c.poll(ctx, CompletePath(sid), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Status fetches the session status.
func (c *HTTPClient) Status(ctx context.Context) (*transport.SessionStatus, error) {
	sid, err := c.sessionID()
	if err != nil {
		return nil, err
	}
	var st transport.SessionStatus
	if err := c.do(ctx, http.MethodGet, StatusPath(sid), nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// poll repeats a GET until it stops returning 202.
func (c *HTTPClient) poll(ctx context.Context, path string, out any) error {
	query := url.Values{}
	if c.PollWait > 0 {
		query.Set(QueryWait, c.PollWait.String())
	}
	for {
		err := c.do(ctx, http.MethodGet, path, query, nil, out)
		if !errors.Is(err, transport.ErrPending) {
			return err
		}
		if c.PollWait <= 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(transport.DefaultPollInterval):
			}
		}
	}
}

func (c *HTTPClient) url(path string, query url.Values) string {
	scheme := "http"
	if c.useTLS {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: c.serverAddr, Path: path}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do performs an HTTP request with serialization. Error responses come back
// as transport.RemoteError.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := c.serializer.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	c.mu.RLock()
	addr := c.serverAddr
	participant := c.participant
	c.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set(HeaderContentType, c.serializer.ContentType())
	}
	req.Header.Set(HeaderAccept, c.serializer.ContentType())
	if participant != 0 {
		req.Header.Set(HeaderParticipantID, strconv.FormatUint(participant, 10))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transport.NewConnectionError(addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	maxSize := int64(transport.DefaultMaxMessageSize)
	if c.config.MaxMessageSize > 0 {
		maxSize = int64(c.config.MaxMessageSize)
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 || resp.StatusCode == http.StatusAccepted {
		var errMsg transport.ErrorMessage
		if err := c.serializer.Unmarshal(respBody, &errMsg); err == nil && errMsg.Code != 0 {
			return errMsg.Err()
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := c.serializer.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrInvalidMessage, err)
	}
	return nil
}

var (
	_ transport.Participant    = (*HTTPClient)(nil)
	_ transport.RoundExchanger = (*HTTPClient)(nil)
)
