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

// Package secagg implements the five-round secure aggregation protocol of
// Bonawitz et al., "Practical Secure Aggregation for Privacy-Preserving
// Machine Learning".
//
// Each participant runs a User and the coordinator runs a Server. Users
// hold a private Vector; the Server learns only the sum of the vectors of
// users that submitted a masked input in round 2, even if some of them drop
// out before the final round.
//
// Rounds:
//
//	0  AdvertiseKeys   users publish signed X25519 comm and rand keys
//	1  ShareKeys       users Shamir-share their rand key and a self-mask seed,
//	                   sealing one share record per peer
//	2  MaskedInput     users submit vector + self mask + pairwise masks
//	3  Consistency     users sign the set of ids whose masked vectors arrived
//	4  Unmasking       users reveal seed shares of alive peers and rand-key
//	                   shares of dropped peers; the server removes all masks
//
// Both roles are synchronous state machines. Delivery, timeouts and quorum
// policy belong to the caller; see package transport for an orchestrator.
//
// Messages cross the wire as deterministic CBOR arrays [kind, body], so a
// payload always identifies its round variant. ExportState and the Restore
// functions checkpoint an instance between rounds.
package secagg
