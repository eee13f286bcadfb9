// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package authorization

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenmigrate/internal/appcontext"
)

type Resource string

const (
	ResourceBatch             Resource = "BATCH"
	ResourceProcessInstance   Resource = "PROCESS_INSTANCE"
	ResourceProcessDefinition Resource = "PROCESS_DEFINITION"
)

type Permission string

const (
	PermissionRead           Permission = "READ"
	PermissionUpdate         Permission = "UPDATE"
	PermissionCreate         Permission = "CREATE"
	PermissionDelete         Permission = "DELETE"
	PermissionUpdateInstance Permission = "UPDATE_INSTANCE"
	// PermissionCreateBatchMigrateProcessInstances allows creating migration batches only
	PermissionCreateBatchMigrateProcessInstances Permission = "CREATE_BATCH_MIGRATE_PROCESS_INSTANCES"
)

// AnyResourceId matches every resource of a type.
const AnyResourceId = "*"

// Grant gives a user or a group permissions on one resource or on all resources of a type.
type Grant struct {
	UserId      string       `yaml:"userId" json:"userId,omitempty"`
	GroupId     string       `yaml:"groupId" json:"groupId,omitempty"`
	Resource    Resource     `yaml:"resource" json:"resource"`
	ResourceId  string       `yaml:"resourceId" json:"resourceId"`
	Permissions []Permission `yaml:"permissions" json:"permissions"`
}

func (g Grant) appliesTo(user appcontext.User) bool {
	if g.UserId != "" && g.UserId == user.Id {
		return true
	}
	return g.GroupId != "" && slices.Contains(user.Groups, g.GroupId)
}

func (g Grant) allows(permission Permission, resource Resource, resourceId string) bool {
	if g.Resource != resource {
		return false
	}
	if g.ResourceId != AnyResourceId && g.ResourceId != resourceId {
		return false
	}
	return slices.Contains(g.Permissions, permission)
}

// Error is returned when the authenticated user lacks every required permission.
type Error struct {
	UserId      string
	Permissions []Permission
	Resource    Resource
	ResourceId  string
}

func (e *Error) Error() string {
	names := make([]string, 0, len(e.Permissions))
	for _, p := range e.Permissions {
		names = append(names, string(p))
	}
	return fmt.Sprintf("The user with id '%s' does not have one of the following permissions: '%s' on resource '%s' of type '%s'",
		e.UserId, strings.Join(names, "' or '"), e.ResourceId, e.Resource)
}

// Manager checks permissions of the user carried by the context. Operations without an
// authenticated user, like jobs run by the job executor, are not checked.
type Manager struct {
	mu      sync.RWMutex
	enabled bool
	grants  []Grant
	logger  hclog.Logger
}

func NewManager(enabled bool, grants ...Grant) *Manager {
	return &Manager{
		enabled: enabled,
		grants:  slices.Clone(grants),
		logger:  hclog.Default().Named("authorization"),
	}
}

func (m *Manager) Enabled() bool {
	return m.enabled
}

func (m *Manager) Grant(grants ...Grant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants = append(m.grants, grants...)
}

// Revoke removes every grant of the user.
func (m *Manager) Revoke(userId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants = slices.DeleteFunc(m.grants, func(g Grant) bool { return g.UserId == userId })
}

// CheckAuthorization fails when the user has none of the permissions on the resource.
func (m *Manager) CheckAuthorization(ctx context.Context, resource Resource, resourceId string, permissions ...Permission) error {
	if !m.enabled {
		return nil
	}
	user, ok := appcontext.UserFromContext(ctx)
	if !ok {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.grants {
		if !g.appliesTo(user) {
			continue
		}
		for _, p := range permissions {
			if g.allows(p, resource, resourceId) {
				return nil
			}
		}
	}
	m.logger.Debug("authorization denied", "user", user.Id, "resource", resource, "resourceId", resourceId, "permissions", permissions)
	return &Error{
		UserId:      user.Id,
		Permissions: permissions,
		Resource:    resource,
		ResourceId:  resourceId,
	}
}
