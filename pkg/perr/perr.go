// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package perr defines the error taxonomy shared by the LLM invoker, error
// recovery, and the planner runtime: explicit {kind, retryable, message}
// result shapes at the LLM/tool boundary rather than typed exceptions.
package perr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/recovery dispatch.
type Kind string

const (
	LLMTimeout            Kind = "LLMTimeout"
	LLMRateLimit          Kind = "LLMRateLimit"
	LLMServer             Kind = "LLMServer"
	LLMInvalidRequest     Kind = "LLMInvalidRequest"
	LLMAuth               Kind = "LLMAuth"
	ContextLengthExceeded Kind = "ContextLengthExceeded"
	ValidationError       Kind = "ValidationError"
	ParseError            Kind = "ParseError"
	ToolError             Kind = "ToolError"
	ConstraintViolation   Kind = "ConstraintViolation"
	Cancelled             Kind = "Cancelled"
	StoreOptional         Kind = "StoreOptional"
	StoreCore             Kind = "StoreCore"
	Unknown               Kind = "Unknown"
)

// retryable reports the default retry policy for each Kind. ToolError's
// retryability is tool-specific (fatal:true overrides this default) so it
// is intentionally absent here and decided by the caller.
var retryable = map[Kind]bool{
	LLMTimeout:            true,
	LLMRateLimit:          true,
	LLMServer:             true,
	LLMInvalidRequest:     false,
	LLMAuth:               false,
	ContextLengthExceeded: true, // retried only after compression
	ValidationError:       true,
	ParseError:            true,
	ConstraintViolation:   false,
	Cancelled:             false,
	StoreOptional:         false,
	StoreCore:             false,
	Unknown:               false,
}

// Error is the explicit {kind, retryable, message, raw?} result type used
// in place of exception-based control flow at the LLM/tool boundary.
type Error struct {
	Kind      Kind
	Retryable bool
	Message   string
	Raw       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Raw
}

// New builds an Error of the given kind with the default retryability for
// that kind.
func New(kind Kind, message string, raw error) *Error {
	return &Error{Kind: kind, Retryable: retryable[kind], Message: message, Raw: raw}
}

// NewToolError builds a ToolError with explicit retryability, since tools
// may declare fatal:true to override the loop's default continue-on-error
// policy.
func NewToolError(message string, raw error, fatal bool) *Error {
	return &Error{Kind: ToolError, Retryable: !fatal, Message: message, Raw: raw}
}

// As extracts an *Error from err via errors.As semantics without importing
// the errors package at every call site.
func As(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}
