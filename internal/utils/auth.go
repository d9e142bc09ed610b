/*
 *    Copyright 2025 blockarchitech
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *        http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package utils

import (
	"fmt"
	"net/http"
	"strings"

	"blockarchitech.com/elitescore/internal/apperr"
	"blockarchitech.com/elitescore/internal/config"
)

// ErrNoIdentity is returned when the request carries no user identity cookie.
var ErrNoIdentity = fmt.Errorf("%w: missing identity cookie", apperr.ErrUnauthorized)

type AuthUtils struct{}

// NewAuthUtils creates a new instance of AuthUtils.
func NewAuthUtils() *AuthUtils {
	return &AuthUtils{}
}

// GetUserIDFromCookie resolves the opaque user id carried by the identity cookie.
func (a *AuthUtils) GetUserIDFromCookie(r *http.Request) (string, error) {
	c, err := r.Cookie(config.UserCookieName)
	if err != nil {
		return "", ErrNoIdentity
	}
	userID := strings.TrimSpace(c.Value)
	if userID == "" {
		return "", ErrNoIdentity
	}
	return userID, nil
}

// SplitAndTrim splits a string by a separator and trims whitespace from each part.
func SplitAndTrim(s string, sep string) []string {
	parts := strings.Split(s, sep)
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}
	return parts
}
