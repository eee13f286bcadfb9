// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse reads a YAML process definition and resolves its references.
func Parse(data []byte) (*Process, error) {
	var p Process
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal process definition: %w", err)
	}
	if p.Id == "" {
		return nil, fmt.Errorf("process definition has no id")
	}
	if err := p.Resolve(); err != nil {
		return nil, fmt.Errorf("failed to resolve process definition %s: %w", p.Id, err)
	}
	return &p, nil
}

func LoadFile(filename string) (*Process, []byte, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	return p, data, nil
}
