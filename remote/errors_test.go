// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"errors"
	"fmt"
	"testing"
)

type codedError struct{ code string }

func (e codedError) Error() string { return "coded" }
func (e codedError) Code() string  { return e.code }

func TestIsRemoteError(t *testing.T) {
	err := fmt.Errorf("handling reply: %w", &RemoteError{Code: CodeInvalid, Message: "bad arrays"})
	if !IsRemoteError(err, CodeInvalid) {
		t.Error("wrapped RemoteError not matched")
	}
	if IsRemoteError(err, CodeNotFound) {
		t.Error("matched the wrong code")
	}
	if IsRemoteError(errors.New("plain"), CodeInvalid) {
		t.Error("matched a plain error")
	}
}

func TestErrorCode(t *testing.T) {
	if got := errorCode(&RemoteError{Code: CodeNotFound, Message: "x"}); got != CodeNotFound {
		t.Errorf("errorCode = %q, want %s", got, CodeNotFound)
	}
	if got := errorCode(fmt.Errorf("wrapped: %w", codedError{code: "EPERM"})); got != "EPERM" {
		t.Errorf("errorCode = %q, want EPERM", got)
	}
	if got := errorCode(errors.New("plain")); got != "" {
		t.Errorf("errorCode = %q, want empty", got)
	}
}
