// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package model

import (
	"fmt"

	"github.com/senseyeio/duration"
)

// Process is the activity graph of one process definition.
// Activities are nested; sub process like activities own their children.
// Resolve has to be called before any of the query methods are used.
type Process struct {
	Id         string      `yaml:"id" json:"id"`
	Name       string      `yaml:"name,omitempty" json:"name,omitempty"`
	Activities []*Activity `yaml:"activities" json:"activities"`

	index   map[string]*Activity
	ordered []*Activity
}

type Activity struct {
	Id                 string              `yaml:"id" json:"id"`
	Name               string              `yaml:"name,omitempty" json:"name,omitempty"`
	Type               ElementType         `yaml:"type" json:"type"`
	Outgoing           []string            `yaml:"outgoing,omitempty" json:"outgoing,omitempty"`
	AttachedToRef      string              `yaml:"attachedToRef,omitempty" json:"attachedToRef,omitempty"`
	CancelActivity     *bool               `yaml:"cancelActivity,omitempty" json:"cancelActivity,omitempty"`
	EventDefinition    *EventDefinition    `yaml:"eventDefinition,omitempty" json:"eventDefinition,omitempty"`
	MultiInstance      *MultiInstance      `yaml:"multiInstance,omitempty" json:"multiInstance,omitempty"`
	TaskListenerTimers []TaskListenerTimer `yaml:"taskListenerTimers,omitempty" json:"taskListenerTimers,omitempty"`
	Activities         []*Activity         `yaml:"activities,omitempty" json:"activities,omitempty"`

	parent     *Activity
	children   []*Activity
	attached   []*Activity
	inner      *Activity
	body       *Activity
	attachedTo *Activity
}

type EventDefinition struct {
	Type EventDefinitionType `yaml:"type" json:"type"`
	// Name is the message or signal name, or the condition of a conditional event
	Name         string `yaml:"name,omitempty" json:"name,omitempty"`
	TimeDuration string `yaml:"timeDuration,omitempty" json:"timeDuration,omitempty"`
}

type MultiInstance struct {
	IsSequential    bool `yaml:"isSequential" json:"isSequential"`
	LoopCardinality int  `yaml:"loopCardinality" json:"loopCardinality"`
}

// TaskListenerTimer is a timeout task listener; one activity may declare many.
type TaskListenerTimer struct {
	Id           string `yaml:"id" json:"id"`
	TimeDuration string `yaml:"timeDuration" json:"timeDuration"`
}

// Resolve links parents, children and boundary events and synthesises
// multi-instance bodies. It fails when the graph references unknown activities.
func (p *Process) Resolve() error {
	p.index = make(map[string]*Activity)
	p.ordered = make([]*Activity, 0)
	var register func(parent *Activity, activities []*Activity) error
	register = func(parent *Activity, activities []*Activity) error {
		for _, a := range activities {
			if a.Id == "" {
				return fmt.Errorf("activity without id in process %s", p.Id)
			}
			if _, ok := p.index[a.Id]; ok {
				return fmt.Errorf("duplicate activity id %s in process %s", a.Id, p.Id)
			}
			a.parent = parent
			a.children = nil
			a.attached = nil
			a.inner = nil
			a.body = nil
			a.attachedTo = nil
			p.index[a.Id] = a
			p.ordered = append(p.ordered, a)
			if parent != nil {
				parent.children = append(parent.children, a)
			}
			if len(a.Activities) > 0 {
				if a.Type != ElementTypeSubProcess && a.Type != ElementTypeEventSubProcess {
					return fmt.Errorf("activity %s of type %s cannot contain activities", a.Id, a.Type)
				}
				if err := register(a, a.Activities); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := register(nil, p.Activities); err != nil {
		return err
	}

	for _, a := range slicesClone(p.ordered) {
		if a.MultiInstance == nil {
			continue
		}
		if a.MultiInstance.LoopCardinality < 1 {
			return fmt.Errorf("multi-instance activity %s must have a loop cardinality of at least 1", a.Id)
		}
		body := &Activity{
			Id:            MultiInstanceBodyId(a.Id),
			Name:          a.Name,
			Type:          ElementTypeMultiInstanceBody,
			Outgoing:      a.Outgoing,
			MultiInstance: a.MultiInstance,
			parent:        a.parent,
			inner:         a,
		}
		if a.parent != nil {
			for i, c := range a.parent.children {
				if c == a {
					a.parent.children[i] = body
				}
			}
		}
		body.children = []*Activity{a}
		a.parent = body
		a.body = body
		p.index[body.Id] = body
		p.ordered = append(p.ordered, body)
	}

	for _, a := range p.ordered {
		for _, o := range a.Outgoing {
			if _, ok := p.index[o]; !ok {
				return fmt.Errorf("activity %s references unknown outgoing activity %s", a.Id, o)
			}
		}
		for _, l := range a.TaskListenerTimers {
			if _, err := duration.ParseISO8601(l.TimeDuration); err != nil {
				return fmt.Errorf("task listener %s of activity %s has invalid timeDuration: %w", l.Id, a.Id, err)
			}
		}
		if a.EventDefinition != nil && a.EventDefinition.Type == EventDefinitionTimer {
			if _, err := duration.ParseISO8601(a.EventDefinition.TimeDuration); err != nil {
				return fmt.Errorf("timer event %s has invalid timeDuration: %w", a.Id, err)
			}
		}
		if a.Type != ElementTypeBoundaryEvent {
			continue
		}
		if a.EventDefinition == nil {
			return fmt.Errorf("boundary event %s has no event definition", a.Id)
		}
		target, ok := p.index[a.AttachedToRef]
		if !ok {
			return fmt.Errorf("boundary event %s is attached to unknown activity %s", a.Id, a.AttachedToRef)
		}
		target.attached = append(target.attached, a)
		a.attachedTo = target
	}
	return nil
}

func slicesClone(in []*Activity) []*Activity {
	out := make([]*Activity, len(in))
	copy(out, in)
	return out
}

// Activity returns the activity with the given id, including synthesised multi-instance bodies.
func (p *Process) Activity(id string) (*Activity, bool) {
	a, ok := p.index[id]
	return a, ok
}

// AllActivities returns every activity in declaration order followed by synthesised bodies.
func (p *Process) AllActivities() []*Activity {
	return p.ordered
}

// Children returns the activities directly contained in the scope; "" is the process scope.
func (p *Process) Children(scopeId string) []*Activity {
	if scopeId == "" {
		res := make([]*Activity, 0, len(p.Activities))
		for _, a := range p.Activities {
			if a.body != nil {
				res = append(res, a.body)
				continue
			}
			res = append(res, a)
		}
		return res
	}
	a, ok := p.index[scopeId]
	if !ok {
		return nil
	}
	return a.children
}

// StartEvent returns the none start event of a scope, "" is the process scope.
func (p *Process) StartEvent(scopeId string) (*Activity, bool) {
	for _, a := range p.Children(scopeId) {
		if a.Type == ElementTypeStartEvent && a.EventDefinition == nil {
			return a, true
		}
	}
	return nil, false
}

// ScopeEvents returns the events whose subscriptions are owned by an instance of the scope:
// boundary events of the scope activity and start events of event sub processes nested in it.
func (p *Process) ScopeEvents(scopeId string) []*Activity {
	res := make([]*Activity, 0)
	if scopeId != "" {
		a, ok := p.index[scopeId]
		if !ok {
			return res
		}
		res = append(res, a.BoundaryEvents()...)
	}
	for _, c := range p.Children(scopeId) {
		if c.Type != ElementTypeEventSubProcess {
			continue
		}
		for _, s := range c.children {
			if s.Type == ElementTypeStartEvent && s.EventDefinition != nil {
				res = append(res, s)
			}
		}
	}
	return res
}

// DeclaredEvents returns the event triggers an instance of the activity owns while it is active:
// its scope events and, for intermediate catch events, the event itself. "" is the process scope.
func (p *Process) DeclaredEvents(activityId string) []*Activity {
	res := p.ScopeEvents(activityId)
	if a, ok := p.index[activityId]; ok && a.Type == ElementTypeIntermediateCatchEvent && a.EventDefinition != nil {
		res = append(res, a)
	}
	return res
}

// IsAncestor reports whether ancestorId is a strict flow scope ancestor of activityId.
// The process scope "" is an ancestor of every activity.
func (p *Process) IsAncestor(ancestorId string, activityId string) bool {
	a, ok := p.index[activityId]
	if !ok {
		return false
	}
	if ancestorId == "" {
		return true
	}
	for _, s := range a.Ancestors() {
		if s.Id == ancestorId {
			return true
		}
	}
	return false
}

func (a *Activity) FlowScope() *Activity {
	return a.parent
}

// FlowScopeId returns the id of the containing scope or "" for top level activities.
func (a *Activity) FlowScopeId() string {
	if a.parent == nil {
		return ""
	}
	return a.parent.Id
}

// Ancestors returns the flow scopes from the closest to the outermost one.
func (a *Activity) Ancestors() []*Activity {
	res := make([]*Activity, 0)
	for s := a.parent; s != nil; s = s.parent {
		res = append(res, s)
	}
	return res
}

func (a *Activity) Children() []*Activity {
	return a.children
}

func (a *Activity) IsMultiInstanceBody() bool {
	return a.Type == ElementTypeMultiInstanceBody
}

// InnerActivity returns the repeated activity of a multi-instance body.
func (a *Activity) InnerActivity() *Activity {
	return a.inner
}

// MultiInstanceBody returns the body of a multi-instance activity or nil.
func (a *Activity) MultiInstanceBody() *Activity {
	return a.body
}

func (a *Activity) IsEvent() bool {
	switch a.Type {
	case ElementTypeBoundaryEvent, ElementTypeIntermediateCatchEvent:
		return a.EventDefinition != nil
	case ElementTypeStartEvent:
		return a.EventDefinition != nil && a.IsEventSubProcessStart()
	}
	return false
}

func (a *Activity) IsEventSubProcessStart() bool {
	return a.Type == ElementTypeStartEvent && a.parent != nil && a.parent.Type == ElementTypeEventSubProcess
}

func (a *Activity) IsInterrupting() bool {
	return a.CancelActivity == nil || *a.CancelActivity
}

// BoundaryEvents returns the boundary events whose event scope is this activity.
// Boundary events of a multi-instance activity belong to its body.
func (a *Activity) BoundaryEvents() []*Activity {
	if a.inner != nil {
		return a.inner.attached
	}
	if a.body != nil {
		return nil
	}
	return a.attached
}

// EventScope returns the activity whose instance owns the event trigger of a.
// The result is nil when the process itself is the event scope.
func (a *Activity) EventScope() *Activity {
	switch {
	case a.Type == ElementTypeBoundaryEvent:
		if a.attachedTo != nil && a.attachedTo.body != nil {
			return a.attachedTo.body
		}
		return a.attachedTo
	case a.IsEventSubProcessStart():
		return a.parent.parent
	default:
		return a
	}
}

// IsScope reports whether instances of the activity own a scope execution.
func (a *Activity) IsScope() bool {
	switch a.Type {
	case ElementTypeSubProcess, ElementTypeEventSubProcess, ElementTypeMultiInstanceBody:
		return true
	}
	return len(a.BoundaryEvents()) > 0 || len(a.TaskListenerTimers) > 0
}

func (a *Activity) Behavior() Behavior {
	switch a.Type {
	case ElementTypeUserTask:
		return BehaviorUserTask
	case ElementTypeServiceTask:
		return BehaviorServiceTask
	case ElementTypeReceiveTask:
		return BehaviorReceiveTask
	case ElementTypeSubProcess:
		return BehaviorSubProcess
	case ElementTypeEventSubProcess:
		return BehaviorEventSubProcess
	case ElementTypeMultiInstanceBody:
		if a.MultiInstance != nil && a.MultiInstance.IsSequential {
			return BehaviorSequentialMultiInstanceBody
		}
		return BehaviorParallelMultiInstanceBody
	case ElementTypeBoundaryEvent:
		return BehaviorBoundaryEvent
	case ElementTypeIntermediateCatchEvent:
		return BehaviorIntermediateCatchEvent
	case ElementTypeStartEvent:
		if a.IsEventSubProcessStart() {
			return BehaviorEventSubProcessStartEvent
		}
		return BehaviorStartEvent
	case ElementTypeEndEvent:
		return BehaviorEndEvent
	default:
		return BehaviorGateway
	}
}

// TimerDuration parses the ISO 8601 duration of a timer event.
func (e *EventDefinition) TimerDuration() (duration.Duration, error) {
	return duration.ParseISO8601(e.TimeDuration)
}

func (l TaskListenerTimer) Duration() (duration.Duration, error) {
	return duration.ParseISO8601(l.TimeDuration)
}
