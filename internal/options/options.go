// Package options translates loosely typed request parameters into the
// conversion settings understood by the native converter.
package options

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Parameter names. They double as the payload keys read by the native
// converter and must not change.
const (
	KeyUnits                  = "units"
	KeyTriangulationTolerance = "triangulation_tolerance"
	KeyWeldVertices           = "weld_vertices"
	KeyIncludeProperties      = "include_properties"
	KeyLevelOfDetail          = "lod"
)

// Keys lists every recognised parameter name.
var Keys = []string{
	KeyUnits,
	KeyTriangulationTolerance,
	KeyWeldVertices,
	KeyIncludeProperties,
	KeyLevelOfDetail,
}

const (
	DefaultUnits                  = "meter"
	DefaultTriangulationTolerance = 0.001
	DefaultWeldVertices           = true
	DefaultIncludeProperties      = false
	DefaultLevelOfDetail          = LODMedium
)

// LevelOfDetail controls geometric simplification.
type LevelOfDetail string

const (
	LODLow    LevelOfDetail = "low"
	LODMedium LevelOfDetail = "medium"
	LODHigh   LevelOfDetail = "high"
)

// ParseLevelOfDetail matches name case-insensitively.
func ParseLevelOfDetail(name string) (LevelOfDetail, bool) {
	switch LevelOfDetail(strings.ToLower(strings.TrimSpace(name))) {
	case LODLow:
		return LODLow, true
	case LODMedium:
		return LODMedium, true
	case LODHigh:
		return LODHigh, true
	}
	return "", false
}

// Options is the immutable set of conversion settings for one request.
type Options struct {
	Units                  string        `json:"units"`
	TriangulationTolerance float64       `json:"triangulation_tolerance"`
	WeldVertices           bool          `json:"weld_vertices"`
	IncludeProperties      bool          `json:"include_properties"`
	LevelOfDetail          LevelOfDetail `json:"lod"`
}

// Default returns the documented defaults.
func Default() Options {
	return Options{
		Units:                  DefaultUnits,
		TriangulationTolerance: DefaultTriangulationTolerance,
		WeldVertices:           DefaultWeldVertices,
		IncludeProperties:      DefaultIncludeProperties,
		LevelOfDetail:          DefaultLevelOfDetail,
	}
}

// Getter looks up a single parameter; ok is false when it is absent.
type Getter func(key string) (value string, ok bool)

// MapGetter adapts a plain map to a Getter.
func MapGetter(m map[string]string) Getter {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// FromParams builds Options from request parameters. It never fails: any
// absent or malformed value is replaced by its default.
func FromParams(get Getter) Options {
	opts := Default()
	if get == nil {
		return opts
	}
	if v, ok := get(KeyUnits); ok && strings.TrimSpace(v) != "" {
		opts.Units = strings.TrimSpace(v)
	}
	if v, ok := get(KeyTriangulationTolerance); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f >= 0 && !math.IsInf(f, 0) {
			opts.TriangulationTolerance = f
		}
	}
	if v, ok := get(KeyWeldVertices); ok {
		if b, ok := parseBool(v); ok {
			opts.WeldVertices = b
		}
	}
	if v, ok := get(KeyIncludeProperties); ok {
		if b, ok := parseBool(v); ok {
			opts.IncludeProperties = b
		}
	}
	if v, ok := get(KeyLevelOfDetail); ok {
		if lod, ok := ParseLevelOfDetail(v); ok {
			opts.LevelOfDetail = lod
		}
	}
	return opts
}

// Payload serialises opts to the compact JSON object handed to the native
// converter.
func (o Options) Payload() ([]byte, error) {
	return json.Marshal(o)
}

func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	}
	return false, false
}
