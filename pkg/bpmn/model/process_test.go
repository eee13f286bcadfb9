// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, name string) *Process {
	p, _, err := LoadFile("../test-cases/" + name)
	require.NoError(t, err)
	return p
}

func TestMultiInstanceBodyIsSynthesised(t *testing.T) {
	// given
	p := load(t, "mi_in_subprocess.yaml")

	// when
	body, ok := p.Activity(MultiInstanceBodyId("userTask"))

	// then
	require.True(t, ok)
	assert.Equal(t, ElementTypeMultiInstanceBody, body.Type)
	assert.Equal(t, BehaviorParallelMultiInstanceBody, body.Behavior())
	assert.Equal(t, "subProcess", body.FlowScopeId())
	assert.Equal(t, "userTask", body.InnerActivity().Id)

	inner, _ := p.Activity("userTask")
	assert.Equal(t, body.Id, inner.FlowScopeId())
	assert.True(t, p.IsAncestor("subProcess", "userTask"))
	assert.True(t, p.IsAncestor(body.Id, "userTask"))
	assert.False(t, p.IsAncestor("userTask", body.Id))
	assert.Contains(t, p.Children("subProcess"), body)
	assert.NotContains(t, p.Children("subProcess"), inner)
}

func TestSequentialBodyHasOwnBehavior(t *testing.T) {
	p := load(t, "sequential_mi_task.yaml")

	body, ok := p.Activity(MultiInstanceBodyId("userTask"))

	require.True(t, ok)
	assert.Equal(t, BehaviorSequentialMultiInstanceBody, body.Behavior())
}

func TestBoundaryEventScope(t *testing.T) {
	// given
	p := load(t, "boundary_timer.yaml")

	// when
	boundary, _ := p.Activity("boundary")
	task, _ := p.Activity("userTask")

	// then
	assert.Equal(t, task, boundary.EventScope())
	assert.True(t, task.IsScope())
	assert.True(t, boundary.IsEvent())
	assert.Len(t, p.ScopeEvents("userTask"), 1)
}

func TestBoundaryEventOfMultiInstanceActivityBelongsToBody(t *testing.T) {
	p := load(t, "mi_boundary_timer.yaml")

	boundary, _ := p.Activity("boundary")
	inner, _ := p.Activity("userTask")

	assert.Equal(t, inner.MultiInstanceBody(), boundary.EventScope())
	assert.Empty(t, inner.BoundaryEvents())
	assert.Len(t, inner.MultiInstanceBody().BoundaryEvents(), 1)
	assert.False(t, inner.IsScope())
}

func TestEventSubProcessStartScope(t *testing.T) {
	// given
	p := load(t, "event_subprocess_timer.yaml")

	// when
	start, _ := p.Activity("eventSubProcessStart")

	// then
	assert.True(t, start.IsEventSubProcessStart())
	assert.Equal(t, BehaviorEventSubProcessStartEvent, start.Behavior())
	assert.Nil(t, start.EventScope())
	events := p.ScopeEvents("")
	assert.Len(t, events, 1)
	assert.Equal(t, "eventSubProcessStart", events[0].Id)
	noneStart, ok := p.StartEvent("")
	assert.True(t, ok)
	assert.Equal(t, "startEvent", noneStart.Id)
}

func TestParseRejectsUnknownReferences(t *testing.T) {
	_, err := Parse([]byte(`
id: broken
activities:
  - id: a
    type: USER_TASK
    outgoing: [missing]
`))
	assert.ErrorContains(t, err, "unknown outgoing activity missing")

	_, err = Parse([]byte(`
id: broken
activities:
  - id: a
    type: USER_TASK
  - id: b
    type: BOUNDARY_EVENT
    attachedToRef: nope
    eventDefinition:
      type: TIMER
      timeDuration: PT1M
`))
	assert.ErrorContains(t, err, "attached to unknown activity nope")

	_, err = Parse([]byte(`
id: broken
activities:
  - id: a
    type: USER_TASK
  - id: a
    type: USER_TASK
`))
	assert.ErrorContains(t, err, "duplicate activity id a")
}

func TestParseRejectsInvalidTimer(t *testing.T) {
	_, err := Parse([]byte(`
id: broken
activities:
  - id: t
    type: INTERMEDIATE_CATCH_EVENT
    eventDefinition:
      type: TIMER
      timeDuration: ten minutes
`))
	assert.ErrorContains(t, err, "invalid timeDuration")
}
