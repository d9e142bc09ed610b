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

package provider

import (
	"context"
	"fmt"
	"sort"

	"blockarchitech.com/elitescore/internal/apperr"
	"blockarchitech.com/elitescore/internal/config"
	"blockarchitech.com/elitescore/internal/models"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

var (
	ErrUnknownProvider    = fmt.Errorf("%w: unsupported provider", apperr.ErrInvalidInput)
	ErrExchangeFailed     = fmt.Errorf("%w: authorization code exchange failed", apperr.ErrUpstream)
	ErrMissingCredentials = fmt.Errorf("%w: missing provider credentials", apperr.ErrUpstream)
	ErrInvalidCourse      = fmt.Errorf("%w: invalid provider course id", apperr.ErrUpstream)
)

// knownProviders is the closed set of provider identifiers accepted from untrusted input.
var knownProviders = map[models.Provider]struct{}{
	models.ProviderUdemyBusiness: {},
	models.ProviderCoursera:      {},
}

// Adapter is the uniform capability surface of an external learning provider.
type Adapter interface {
	// Provider returns the identifier this adapter serves.
	Provider() models.Provider

	// AuthorizeURL builds the provider redirect target embedding the opaque state.
	AuthorizeURL(state string) string

	// ExchangeCode trades a one-time authorization code for credentials.
	ExchangeCode(ctx context.Context, code string) (*models.TokenGrant, error)

	// ListLearnerCourses returns the learner's courses, filtered case-insensitively by title when query is set.
	ListLearnerCourses(ctx context.Context, token *oauth2.Token, query string) ([]models.ProviderCourse, error)

	// GetCourseProgress returns the learner's current progress on one course.
	GetCourseProgress(ctx context.Context, token *oauth2.Token, providerCourseID string) (*models.CourseProgress, error)
}

// IsValidProvider reports whether s is exactly one of the known provider identifiers.
func IsValidProvider(s string) bool {
	_, ok := knownProviders[models.Provider(s)]
	return ok
}

// ParseProvider validates s and returns it as a Provider.
func ParseProvider(s string) (models.Provider, error) {
	if !IsValidProvider(s) {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
	return models.Provider(s), nil
}

// Registry maps provider identifiers to their adapters.
type Registry struct {
	adapters map[models.Provider]Adapter
}

// NewRegistry registers the given adapters. Adapters for identifiers outside the known set are rejected.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[models.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		p := a.Provider()
		if !IsValidProvider(string(p)) {
			return nil, fmt.Errorf("%w: cannot register %q", ErrUnknownProvider, p)
		}
		if _, dup := r.adapters[p]; dup {
			return nil, fmt.Errorf("duplicate adapter for provider %q", p)
		}
		r.adapters[p] = a
	}
	return r, nil
}

// Adapter looks up the adapter for p.
func (r *Registry) Adapter(p models.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
	return a, nil
}

// Providers lists the registered identifiers in a stable order.
func (r *Registry) Providers() []models.Provider {
	out := make([]models.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewDefaultRegistry registers the reference adapters for every known provider.
func NewDefaultRegistry(cfg *config.Config, logger *zap.Logger) (*Registry, error) {
	return NewRegistry(
		NewUdemyBusinessAdapter(cfg.UdemyBusiness.OAuth2Config(cfg.CallbackURL(string(models.ProviderUdemyBusiness))), logger),
		NewCourseraAdapter(cfg.Coursera.OAuth2Config(cfg.CallbackURL(string(models.ProviderCoursera))), logger),
	)
}
