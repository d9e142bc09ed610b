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

package service

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"blockarchitech.com/elitescore/internal/apperr"
)

// ErrInvalidState is returned when an OAuth state parameter cannot be decoded.
var ErrInvalidState = fmt.Errorf("%w: invalid connection state", apperr.ErrInvalidInput)

// connectionState is the opaque value round-tripped through the provider's authorize redirect.
type connectionState struct {
	UserID string `json:"userId"`
	TS     int64  `json:"ts"`
}

func encodeConnectionState(userID string, issuedAt time.Time) (string, error) {
	raw, err := json.Marshal(connectionState{UserID: userID, TS: issuedAt.UnixMilli()})
	if err != nil {
		return "", fmt.Errorf("failed to marshal connection state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeConnectionState returns the user id and issue time carried by a state value.
func DecodeConnectionState(state string) (string, time.Time, error) {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	var cs connectionState
	if err := json.Unmarshal(raw, &cs); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if cs.UserID == "" {
		return "", time.Time{}, fmt.Errorf("%w: missing user id", ErrInvalidState)
	}
	return cs.UserID, time.UnixMilli(cs.TS).UTC(), nil
}
