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

package registry

import "errors"

var (
	// ErrUnsupportedFormat indicates a file extension other than .json,
	// .yaml, .yml or .toml.
	ErrUnsupportedFormat = errors.New("registry: unsupported file format")

	// ErrNotFound indicates the file does not exist.
	ErrNotFound = errors.New("registry: file not found")

	// ErrMalformedFile indicates the file could not be decoded.
	ErrMalformedFile = errors.New("registry: malformed file")

	// ErrInvalidKey indicates a key that is missing or does not match its
	// counterpart.
	ErrInvalidKey = errors.New("registry: invalid key")

	// ErrDuplicateID indicates the same participant id listed twice.
	ErrDuplicateID = errors.New("registry: duplicate participant id")

	// ErrInvalidID indicates participant id 0.
	ErrInvalidID = errors.New("registry: invalid participant id")
)
