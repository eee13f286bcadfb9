// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package runtime

// VariableInstance is a variable owned by one execution.
type VariableInstance struct {
	Key                int64  `json:"key"`
	Name               string `json:"name"`
	Value              any    `json:"value"`
	TypeName           string `json:"typeName"`
	ExecutionKey       int64  `json:"executionKey"`
	ActivityInstanceId string `json:"activityInstanceId"`
	ProcessInstanceKey int64  `json:"processInstanceKey"`
	CaseInstanceId     string `json:"caseInstanceId"`
	CaseExecutionId    string `json:"caseExecutionId"`
	TaskId             string `json:"taskId"`
	TenantId           string `json:"tenantId"`
	ErrorMessage       string `json:"errorMessage"`
}

// TypeNameOf returns the serializer type name used for a value.
func TypeNameOf(value any) string {
	switch value.(type) {
	case nil:
		return "Null"
	case string:
		return "String"
	case bool:
		return "Boolean"
	case int, int32:
		return "Integer"
	case int64:
		return "Long"
	case float32, float64:
		return "Double"
	default:
		return "Object"
	}
}
