// SPDX-License-Identifier: MIT

// Package kv is the ephemeral Redis-backed store for auth grants,
// connection liveness, stream hot state and caches.
package kv

import "fmt"

// Key builders. Every ephemeral key carries a TTL so a crash leaves
// nothing behind permanently.
func AuthKey(deviceID string) string     { return "ws:auth:" + deviceID }
func ConnKey(deviceID string) string     { return "ws:conn:" + deviceID }
func StreamKey(deviceID string) string   { return "stream:" + deviceID }
func EnrollKey(code string) string       { return "enroll:" + code }
func GeocodeKey(hash string) string      { return "ors:geocode:" + hash }
func AutocompleteKey(hash string) string { return "ors:autocomplete:" + hash }

// RouteKey caches one routed result per profile and coordinate set.
func RouteKey(profile, hash string) string {
	return "ors:route:" + profile + ":" + hash
}

// RateLimitKey scopes a sliding window counter.
func RateLimitKey(scope, subject string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, subject)
}
