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
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewZapLogger(zap.New(core)).With("session", "s1")

	l.Info("round %d closed", 2)
	l.Debug("dropped below level")
	l.Error("failed: %v", errors.New("boom"))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "round 2 closed" {
		t.Errorf("unexpected message %q", entries[0].Message)
	}
	if entries[0].ContextMap()["session"] != "s1" {
		t.Errorf("missing session field: %v", entries[0].ContextMap())
	}
	if entries[1].Level != zapcore.ErrorLevel || entries[1].Message != "failed: boom" {
		t.Errorf("unexpected error entry %+v", entries[1].Entry)
	}
}

func TestZapLoggerNil(t *testing.T) {
	l := NewZapLogger(nil)
	l.Info("discarded")
	var _ Logger = l
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
	}{
		{"info", "console", false},
		{"debug", "json", false},
		{"", "", false},
		{"WARN", "JSON", false},
		{"verbose", "console", true},
		{"info", "xml", true},
	}
	for _, tt := range tests {
		l, err := NewLogger(tt.level, tt.format)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("NewLogger(%q, %q) error = %v, want ErrInvalidConfig", tt.level, tt.format, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("NewLogger(%q, %q) unexpected error: %v", tt.level, tt.format, err)
			continue
		}
		if tt.level == "debug" && !l.Core().Enabled(zapcore.DebugLevel) {
			t.Errorf("debug level not enabled")
		}
	}
}
