package destination

import (
	"math"
	"time"
)

// Filter is the engine-neutral filter model. It serializes directly to the
// Qdrant wire shape; other engines translate internally.
type Filter struct {
	Must    []Condition `json:"must,omitempty"`
	MustNot []Condition `json:"must_not,omitempty"`
	Should  []Condition `json:"should,omitempty"`
}

// Condition constrains one payload key by match or range.
type Condition struct {
	Key   string `json:"key"`
	Match *Match `json:"match,omitempty"`
	Range *Range `json:"range,omitempty"`
}

// Match matches exact values or membership.
type Match struct {
	Value interface{}   `json:"value,omitempty"`
	Any   []interface{} `json:"any,omitempty"`
}

// Range bounds a numeric or RFC 3339 datetime payload value.
type Range struct {
	GT  interface{} `json:"gt,omitempty"`
	GTE interface{} `json:"gte,omitempty"`
	LT  interface{} `json:"lt,omitempty"`
	LTE interface{} `json:"lte,omitempty"`
}

// DecayConfig applies recency weighting to scores: points whose datetime
// field is Scale older than Target lose e^-1 of the decayed share. Weight
// in [0,1] blends decayed and raw similarity; zero disables decay.
type DecayConfig struct {
	Field  string
	Target time.Time
	Scale  time.Duration
	Weight float64
}

// Decay returns the multiplicative recency factor for a timestamp.
func (d *DecayConfig) Decay(ts time.Time) float64 {
	if d == nil || d.Weight <= 0 || d.Scale <= 0 {
		return 1
	}
	age := d.Target.Sub(ts)
	if age < 0 {
		age = 0
	}
	decay := math.Exp(-float64(age) / float64(d.Scale))
	return (1 - d.Weight) + d.Weight*decay
}

// And merges two filters; nil operands pass through.
func And(a, b *Filter) *Filter {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return &Filter{
		Must:    append(append([]Condition{}, a.Must...), b.Must...),
		MustNot: append(append([]Condition{}, a.MustNot...), b.MustNot...),
		Should:  append(append([]Condition{}, a.Should...), b.Should...),
	}
}

// Matches evaluates the filter against a payload. Used by the in-memory
// adapter; wire adapters push the filter down to the engine instead.
func (f *Filter) Matches(payload map[string]interface{}) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Must {
		if !c.matches(payload) {
			return false
		}
	}
	for _, c := range f.MustNot {
		if c.matches(payload) {
			return false
		}
	}
	if len(f.Should) > 0 {
		any := false
		for _, c := range f.Should {
			if c.matches(payload) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

func (c Condition) matches(payload map[string]interface{}) bool {
	value, ok := payload[c.Key]
	if !ok {
		return false
	}
	if c.Match != nil {
		if c.Match.Value != nil {
			return looseEqual(value, c.Match.Value)
		}
		for _, candidate := range c.Match.Any {
			if looseEqual(value, candidate) {
				return true
			}
		}
		return false
	}
	if c.Range != nil {
		return c.Range.contains(value)
	}
	return false
}

func (r *Range) contains(value interface{}) bool {
	v, ok := scalar(value)
	if !ok {
		return false
	}
	if b, ok := scalarBound(r.GT); ok && !(v > b) {
		return false
	}
	if b, ok := scalarBound(r.GTE); ok && !(v >= b) {
		return false
	}
	if b, ok := scalarBound(r.LT); ok && !(v < b) {
		return false
	}
	if b, ok := scalarBound(r.LTE); ok && !(v <= b) {
		return false
	}
	return true
}

// scalar maps numbers and RFC 3339 strings onto a single float axis so
// range bounds compare uniformly.
func scalar(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case time.Time:
		return float64(v.UnixNano()), true
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return float64(ts.UnixNano()), true
		}
	}
	return 0, false
}

func scalarBound(bound interface{}) (float64, bool) {
	if bound == nil {
		return 0, false
	}
	return scalar(bound)
}

func looseEqual(a, b interface{}) bool {
	if af, ok := scalar(a); ok {
		if bf, ok := scalar(b); ok {
			return af == bf
		}
	}
	return a == b
}
