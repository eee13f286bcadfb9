// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package runtime

import (
	"time"

	"github.com/pbinitiative/zenmigrate/pkg/bpmn/model"
)

type ProcessDefinition struct {
	BpmnProcessId    string         `json:"bpmnProcessId"`    // The ID as defined in the definition file
	Version          int32          `json:"version"`          // A version of the process, default=1, incremented, when another process with the same ID is deployed
	Key              int64          `json:"key"`              // The engines key for this given process with version
	DeploymentKey    int64          `json:"deploymentKey"`    // key of the deployment that created this version
	BpmnData         []byte         `json:"bpmnData"`         // the raw source data
	BpmnResourceName string         `json:"bpmnResourceName"` // some name for the resource
	BpmnChecksum     [16]byte       `json:"bpmnChecksum"`     // internal checksum to identify different versions
	Definition       *model.Process `json:"-"`                // parsed file content
}

type ProcessInstanceState string

const (
	ProcessInstanceActive     ProcessInstanceState = "ACTIVE"
	ProcessInstanceCompleted  ProcessInstanceState = "COMPLETED"
	ProcessInstanceTerminated ProcessInstanceState = "TERMINATED"
)

type ProcessInstance struct {
	Key                  int64                `json:"key"`
	ProcessDefinitionKey int64                `json:"processDefinitionKey"`
	BpmnProcessId        string               `json:"bpmnProcessId"`
	State                ProcessInstanceState `json:"state"`
	CreatedAt            time.Time            `json:"createdAt"`
	EndedAt              *time.Time           `json:"endedAt"`
}

type EventSubscription struct {
	Key                  int64                     `json:"key"`
	EventType            model.EventDefinitionType `json:"eventType"`
	EventName            string                    `json:"eventName"`
	ActivityId           string                    `json:"activityId"`
	ExecutionKey         int64                     `json:"executionKey"`
	ProcessInstanceKey   int64                     `json:"processInstanceKey"`
	ProcessDefinitionKey int64                     `json:"processDefinitionKey"`
	CreatedAt            time.Time                 `json:"createdAt"`
}

type IncidentType string

const IncidentTypeFailedJob IncidentType = "failedJob"

type Incident struct {
	Key                  int64        `json:"key"`
	Type                 IncidentType `json:"type"`
	JobKey               int64        `json:"jobKey"`
	JobDefinitionKey     int64        `json:"jobDefinitionKey"`
	ProcessInstanceKey   int64        `json:"processInstanceKey"`
	ProcessDefinitionKey int64        `json:"processDefinitionKey"`
	ExecutionKey         int64        `json:"executionKey"`
	ActivityId           string       `json:"activityId"`
	Message              string       `json:"message"`
	CreatedAt            time.Time    `json:"createdAt"`
}

type UserOperationLogEntry struct {
	Key                  int64     `json:"key"`
	OperationId          string    `json:"operationId"`
	UserId               string    `json:"userId"`
	Timestamp            time.Time `json:"timestamp"`
	EntityType           string    `json:"entityType"`
	OperationType        string    `json:"operationType"`
	Property             string    `json:"property"`
	OrgValue             string    `json:"orgValue"`
	NewValue             string    `json:"newValue"`
	Category             string    `json:"category"`
	Annotation           string    `json:"annotation"`
	ProcessDefinitionKey int64     `json:"processDefinitionKey"`
	ProcessDefinitionId  string    `json:"processDefinitionId"`
	BatchKey             int64     `json:"batchKey"`
}
