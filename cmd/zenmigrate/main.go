// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package main

import (
	"github.com/alecthomas/kong"
	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenmigrate/internal/profile"
)

type cli struct {
	LogLevel string `help:"Log level (TRACE, DEBUG, INFO, WARN, ERROR)." env:"LOG_LEVEL" default:"INFO"`

	Serve    serveCmd    `cmd:"" help:"Run the engine with job executor and REST api."`
	Validate validateCmd `cmd:"" help:"Validate a migration plan file against two process definition files."`
}

func (c *cli) AfterApply() error {
	profile.InitProfile()
	hclog.SetDefault(hclog.New(profile.LoggerOptions("zenmigrate", c.LogLevel)))
	hclog.Default().Debug("Logger initialized", "profile", profile.Current)
	return nil
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("zenmigrate"),
		kong.Description("Process instance migration engine."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
