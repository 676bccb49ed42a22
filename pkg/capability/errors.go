// Copyright 2025 Atlas Authors
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

package capability

import (
	"errors"
	"fmt"
)

// ErrSchemaMismatch signals that a capability server rejected a call because
// the tool catalog the orchestrator holds is stale. The loader invalidates
// its cache for that capability when it sees this error.
var ErrSchemaMismatch = errors.New("tool schema mismatch")

// ErrUnknownCapability reports a capability name with no registered endpoint.
var ErrUnknownCapability = errors.New("unknown capability")

// RPCError is an application-level error returned by a capability server.
// It is surfaced, never retried.
type RPCError struct {
	Capability string
	Code       int
	Message    string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("capability %s: rpc error %d: %s", e.Capability, e.Code, e.Message)
}

// JSON-RPC error code emitted by capability servers when the advertised
// parameter schema no longer matches the call.
const codeSchemaMismatch = -32602

func rpcErrorFor(capability string, code int, message string) error {
	if code == codeSchemaMismatch {
		return fmt.Errorf("capability %s: %w: %s", capability, ErrSchemaMismatch, message)
	}
	return &RPCError{Capability: capability, Code: code, Message: message}
}
