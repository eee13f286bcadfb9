// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package middleware

import (
	"net/http"
	"strings"

	"github.com/pbinitiative/zenmigrate/internal/appcontext"
)

const (
	UserIdHeader     = "X-User-Id"
	UserGroupsHeader = "X-User-Groups"
)

// AuthenticatedUser puts the user named by the identity headers into the request context.
// Authentication itself happens in front of the server, requests without the header run unauthenticated.
func AuthenticatedUser() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(UserIdHeader))
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}
			user := appcontext.User{Id: id}
			for _, g := range strings.Split(r.Header.Get(UserGroupsHeader), ",") {
				if g = strings.TrimSpace(g); g != "" {
					user.Groups = append(user.Groups, g)
				}
			}
			next.ServeHTTP(w, r.WithContext(appcontext.WithUser(r.Context(), user)))
		})
	}
}
