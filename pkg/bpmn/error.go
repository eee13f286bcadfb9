// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"errors"
	"fmt"

	apperrors "github.com/goliatone/go-errors"
)

type BpmnEngineError struct {
	Msg string
}

func (e *BpmnEngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...interface{}) error {
	return &BpmnEngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

const badUserRequestCode = "BAD_USER_REQUEST"

// newBadUserRequestf reports invalid caller input; nothing has been changed when it is returned.
func newBadUserRequestf(format string, a ...interface{}) error {
	return apperrors.New(fmt.Sprintf(format, a...), apperrors.CategoryBadInput).
		WithTextCode(badUserRequestCode)
}

// IsBadUserRequest reports whether err was caused by invalid caller input.
func IsBadUserRequest(err error) bool {
	var ae *apperrors.Error
	if !errors.As(err, &ae) {
		return false
	}
	return ae.TextCode == badUserRequestCode
}
