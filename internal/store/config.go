// SPDX-License-Identifier: MIT

package store

import (
	"encoding/json"
)

// RouteConfig is the structured config bag attached to a route. Unknown
// keys round-trip unchanged through Extra so client passthroughs such as
// idempotencyKey, distanceM and durationS survive persistence.
type RouteConfig struct {
	SpeedKmh   float64 `json:"-"`
	AccuracyM  float64 `json:"-"`
	IntervalMs int     `json:"-"`
	Loop       bool    `json:"-"`
	Pauses     []Pause `json:"-"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Pause is a reserved config entry commanding a dwell after a point index.
type Pause struct {
	AfterPointIndex int `json:"afterPointIndex"`
	DurationMs      int `json:"durationMs"`
}

// DefaultRouteConfig returns the system defaults for a route config.
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		SpeedKmh:   30,
		AccuracyM:  5,
		IntervalMs: 1000,
	}
}

// Normalize clamps the tick interval into [100, 60000] and fills zero
// values with defaults.
func (c *RouteConfig) Normalize() {
	if c.SpeedKmh <= 0 {
		c.SpeedKmh = 30
	}
	if c.AccuracyM <= 0 {
		c.AccuracyM = 5
	}
	if c.IntervalMs == 0 {
		c.IntervalMs = 1000
	}
	if c.IntervalMs < 100 {
		c.IntervalMs = 100
	}
	if c.IntervalMs > 60000 {
		c.IntervalMs = 60000
	}
}

type routeConfigWire struct {
	Speed      *float64 `json:"speed,omitempty"`
	Accuracy   *float64 `json:"accuracy,omitempty"`
	IntervalMs *int     `json:"intervalMs,omitempty"`
	Loop       *bool    `json:"loop,omitempty"`
	Pauses     []Pause  `json:"pauses,omitempty"`
}

var knownConfigKeys = map[string]bool{
	"speed": true, "accuracy": true, "intervalMs": true, "loop": true, "pauses": true,
}

// MarshalJSON emits the known keys plus every preserved unknown key.
func (c RouteConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(c.Extra)+5)
	for k, v := range c.Extra {
		out[k] = v
	}
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = raw
		return nil
	}
	if err := put("speed", c.SpeedKmh); err != nil {
		return nil, err
	}
	if err := put("accuracy", c.AccuracyM); err != nil {
		return nil, err
	}
	if err := put("intervalMs", c.IntervalMs); err != nil {
		return nil, err
	}
	if err := put("loop", c.Loop); err != nil {
		return nil, err
	}
	if len(c.Pauses) > 0 {
		if err := put("pauses", c.Pauses); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the known keys and stows every other key in Extra.
func (c *RouteConfig) UnmarshalJSON(data []byte) error {
	var wire routeConfigWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	*c = DefaultRouteConfig()
	if wire.Speed != nil {
		c.SpeedKmh = *wire.Speed
	}
	if wire.Accuracy != nil {
		c.AccuracyM = *wire.Accuracy
	}
	if wire.IntervalMs != nil {
		c.IntervalMs = *wire.IntervalMs
	}
	if wire.Loop != nil {
		c.Loop = *wire.Loop
	}
	c.Pauses = wire.Pauses

	for k, v := range all {
		if knownConfigKeys[k] {
			continue
		}
		if c.Extra == nil {
			c.Extra = make(map[string]json.RawMessage)
		}
		c.Extra[k] = v
	}
	c.Normalize()
	return nil
}

// ExtraString returns the string value of a preserved unknown key, if any.
func (c RouteConfig) ExtraString(key string) string {
	raw, ok := c.Extra[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// SetExtra stores an opaque passthrough value under key.
func (c *RouteConfig) SetExtra(key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if c.Extra == nil {
		c.Extra = make(map[string]json.RawMessage)
	}
	c.Extra[key] = raw
}

// Merge overlays non-zero override values onto c (overrides win).
func (c RouteConfig) Merge(o RouteConfig) RouteConfig {
	out := c
	if o.SpeedKmh > 0 {
		out.SpeedKmh = o.SpeedKmh
	}
	if o.AccuracyM > 0 {
		out.AccuracyM = o.AccuracyM
	}
	if o.IntervalMs > 0 {
		out.IntervalMs = o.IntervalMs
	}
	if o.Loop {
		out.Loop = true
	}
	if len(o.Pauses) > 0 {
		out.Pauses = o.Pauses
	}
	for k, v := range o.Extra {
		if out.Extra == nil {
			out.Extra = make(map[string]json.RawMessage)
		}
		out.Extra[k] = v
	}
	out.Normalize()
	return out
}
