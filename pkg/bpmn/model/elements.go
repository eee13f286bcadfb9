// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package model

type ElementType string

const (
	ElementTypeStartEvent             ElementType = "START_EVENT"
	ElementTypeEndEvent               ElementType = "END_EVENT"
	ElementTypeUserTask               ElementType = "USER_TASK"
	ElementTypeServiceTask            ElementType = "SERVICE_TASK"
	ElementTypeReceiveTask            ElementType = "RECEIVE_TASK"
	ElementTypeSubProcess             ElementType = "SUB_PROCESS"
	ElementTypeEventSubProcess        ElementType = "EVENT_SUB_PROCESS"
	ElementTypeBoundaryEvent          ElementType = "BOUNDARY_EVENT"
	ElementTypeIntermediateCatchEvent ElementType = "INTERMEDIATE_CATCH_EVENT"
	ElementTypeParallelGateway        ElementType = "PARALLEL_GATEWAY"
	ElementTypeExclusiveGateway       ElementType = "EXCLUSIVE_GATEWAY"

	// ElementTypeMultiInstanceBody is never declared in a definition, it is
	// synthesised by Process.Resolve for every activity with multi-instance characteristics.
	ElementTypeMultiInstanceBody ElementType = "MULTI_INSTANCE_BODY"
)

type EventDefinitionType string

const (
	EventDefinitionMessage     EventDefinitionType = "MESSAGE"
	EventDefinitionSignal      EventDefinitionType = "SIGNAL"
	EventDefinitionTimer       EventDefinitionType = "TIMER"
	EventDefinitionConditional EventDefinitionType = "CONDITIONAL"
)

// Behavior identifies the runtime behavior of an activity. Two activities can only
// be migrated onto each other when their behaviors are compatible.
type Behavior string

const (
	BehaviorUserTask                    Behavior = "userTask"
	BehaviorServiceTask                 Behavior = "serviceTask"
	BehaviorReceiveTask                 Behavior = "receiveTask"
	BehaviorSubProcess                  Behavior = "subProcess"
	BehaviorEventSubProcess             Behavior = "eventSubProcess"
	BehaviorParallelMultiInstanceBody   Behavior = "parallelMultiInstanceBody"
	BehaviorSequentialMultiInstanceBody Behavior = "sequentialMultiInstanceBody"
	BehaviorBoundaryEvent               Behavior = "boundaryEvent"
	BehaviorIntermediateCatchEvent      Behavior = "intermediateCatchEvent"
	BehaviorEventSubProcessStartEvent   Behavior = "eventSubProcessStartEvent"
	BehaviorStartEvent                  Behavior = "startEvent"
	BehaviorEndEvent                    Behavior = "endEvent"
	BehaviorGateway                     Behavior = "gateway"
)

const multiInstanceBodySuffix = "#multiInstanceBody"

// MultiInstanceBodyId returns the id of the synthesised body of a multi-instance activity.
func MultiInstanceBodyId(activityId string) string {
	return activityId + multiInstanceBodySuffix
}
