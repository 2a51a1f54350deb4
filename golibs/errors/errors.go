// Copyright 2023 The acquirecloud Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// General purpose sentinel errors. Application code should wrap one of
// these with fmt.Errorf("...: %w", ErrXxx) instead of inventing new error
// types, so that callers can always test the result with Is().
var (
	ErrInvalid       = errors.New("invalid")
	ErrExist         = errors.New("already exists")
	ErrNotExist      = errors.New("does not exist")
	ErrConflict      = errors.New("conflict")
	ErrExhausted     = errors.New("exhausted")
	ErrInternal      = errors.New("internal error")
	ErrDataLoss      = errors.New("data loss")
	ErrUnimplemented = errors.New("not implemented")
	ErrNotAuthorized = errors.New("not authorized")
	ErrCanceled      = errors.New("canceled")
	ErrCommunication = errors.New("communication error")
	ErrClosed        = errors.New("closed")
)

// jsonErrorMarker delimits an embedded JSON payload inside an error chain. See EmbedObject.
const jsonErrorMarker = "\x00xoz-embed\x00"

// Is reports whether err's chain contains target, same semantics as errors.Is.
// It exists so call sites can depend on this package alone instead of "errors" directly.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// EmbedObject marshals obj to JSON and wraps base with it, so the caller can recover
// obj later with ExtractObject without losing the base error for Is() checks.
// Panics if obj is nil or base is nil: both are programmer mistakes.
func EmbedObject(obj any, base error) error {
	if obj == nil {
		panic("errors.EmbedObject: obj is nil")
	}
	if base == nil {
		panic("errors.EmbedObject: base is nil")
	}
	if strings.Contains(base.Error(), jsonErrorMarker) {
		panic("errors.EmbedObject: base already carries an embedded object")
	}
	buf, err := json.Marshal(obj)
	if err != nil {
		panic("errors.EmbedObject: could not marshal object: " + err.Error())
	}
	return fmt.Errorf("%s%s%s: %w", jsonErrorMarker, string(buf), jsonErrorMarker, base)
}

// ExtractObject looks for a JSON payload embedded by EmbedObject anywhere in err's
// message and, if found, unmarshals it into out. Returns false if err is nil or no
// payload is present.
func ExtractObject(err error, out any) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	start := strings.Index(msg, jsonErrorMarker)
	if start < 0 {
		return false
	}
	rest := msg[start+len(jsonErrorMarker):]
	end := strings.Index(rest, jsonErrorMarker)
	if end < 0 {
		return false
	}
	payload := rest[:end]
	if payload == "" {
		return false
	}
	return json.Unmarshal([]byte(payload), out) == nil
}
