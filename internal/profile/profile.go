// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package profile

import (
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

type ProfileType string

var Current = DEV // dev profile as default

const (
	DEV  ProfileType = "DEV"
	TEST ProfileType = "TEST"
	PROD ProfileType = "PROD"
)

func InitProfile() ProfileType {
	switch strings.ToUpper(os.Getenv("PROFILE")) {
	case "DEV":
		Current = DEV
	case "TEST":
		Current = TEST
	case "PROD":
		Current = PROD
	}
	return Current
}

// LoggerOptions returns the default logger setup of the profile, PROD logs json without colors.
func LoggerOptions(name string, level string) *hclog.LoggerOptions {
	opts := &hclog.LoggerOptions{
		Name:  name,
		Level: hclog.LevelFromString(level),
	}
	if Current == PROD {
		opts.JSONFormat = true
		opts.Color = hclog.ColorOff
	} else {
		opts.Color = hclog.AutoColor
	}
	return opts
}
