// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package schema computes per-model transformed JSON schemas and selects
// the structured-output mode (native/tools/prompted) a given model profile
// supports for a target response schema.
package schema

import (
	"encoding/json"
	"reflect"

	js "github.com/invopop/jsonschema"
)

// OutputMode is the structured-output strategy selected for a model.
type OutputMode string

const (
	ModeNative   OutputMode = "native"   // provider-native structured-output / response_format
	ModeTools    OutputMode = "tools"    // forced single tool-call carrying the schema
	ModePrompted OutputMode = "prompted" // schema embedded in the prompt, best-effort parse
)

// ModelProfile describes a target model's structured-output capabilities.
type ModelProfile struct {
	Name                 string
	SupportsNative        bool
	SupportsStrict        bool
	SupportsTools         bool
	MaxSchemaKeys         int // 0 means unlimited
	UnsupportedKeywords   []string
	SupportsRefs          bool
	RequiresAdditionalPropsFalse bool
}

// Plan is the computed transformation and mode selection for one
// (schema, profile) pair.
type Plan struct {
	TransformedSchema     map[string]any
	StrictApplied         bool
	CompatibleWithNative  bool
	CompatibleWithTools   bool
	Reasons               []string
	EstimatedKeyCount     int
	Mode                  OutputMode
}

// ForGoType reflects a Go type into a JSON schema via invopop/jsonschema,
// then computes a Plan for the given profile. Deterministic given the same
// (type, profile) pair.
func ForGoType(v any, profile ModelProfile) (*Plan, error) {
	reflector := &js.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	raw := reflector.ReflectFromType(reflect.TypeOf(v))
	doc, err := raw.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var asMap map[string]any
	if err := json.Unmarshal(doc, &asMap); err != nil {
		return nil, err
	}
	return Compute(asMap, profile), nil
}

// Compute walks schema recursively, applies the profile's transformer, and
// selects an output mode. Pure function of its inputs: same schema+profile
// always yields the same Plan.
func Compute(schema map[string]any, profile ModelProfile) *Plan {
	plan := &Plan{
		StrictApplied:        true,
		CompatibleWithNative: profile.SupportsNative,
		CompatibleWithTools:  profile.SupportsTools,
	}

	transformed, lossy := transform(schema, profile, plan)
	plan.TransformedSchema = transformed
	if lossy {
		plan.StrictApplied = false
		plan.Reasons = append(plan.Reasons, "strict transformation was lossy for one or more unsupported keywords")
	}

	plan.EstimatedKeyCount = countKeys(transformed)
	if profile.MaxSchemaKeys > 0 && plan.EstimatedKeyCount > profile.MaxSchemaKeys {
		plan.CompatibleWithNative = false
		plan.Reasons = append(plan.Reasons, "schema exceeds provider key-count limit for native mode")
	}

	plan.Mode = selectMode(plan, profile)
	return plan
}

// selectMode prefers native > tools > prompted, deterministically.
func selectMode(plan *Plan, profile ModelProfile) OutputMode {
	switch {
	case plan.CompatibleWithNative && profile.SupportsNative:
		return ModeNative
	case plan.CompatibleWithTools && profile.SupportsTools:
		return ModeTools
	default:
		return ModePrompted
	}
}

// transform walks the schema tree, stripping unsupported keywords and
// enforcing additionalProperties=false on objects in strict mode. Returns
// the transformed schema and whether any transformation was lossy.
func transform(node map[string]any, profile ModelProfile, plan *Plan) (map[string]any, bool) {
	out := make(map[string]any, len(node))
	lossy := false

	for k, v := range node {
		if containsString(profile.UnsupportedKeywords, k) {
			lossy = true
			continue
		}
		switch k {
		case "$ref":
			if !profile.SupportsRefs {
				lossy = true
				continue
			}
			out[k] = v
		case "oneOf":
			// Providers without native oneOf support flatten to the first
			// alternative's schema, recorded as lossy.
			if arr, ok := v.([]any); ok && len(arr) > 0 {
				if profile.SupportsTools {
					out[k] = transformSlice(arr, profile, plan)
				} else if first, ok := arr[0].(map[string]any); ok {
					sub, subLossy := transform(first, profile, plan)
					for fk, fv := range sub {
						out[fk] = fv
					}
					lossy = true
				}
			}
		case "const":
			// Always rewritten as a single-value enum.
			out["enum"] = []any{v}
		case "properties":
			if m, ok := v.(map[string]any); ok {
				props := make(map[string]any, len(m))
				for pk, pv := range m {
					if sub, ok := pv.(map[string]any); ok {
						transformedSub, subLossy := transform(sub, profile, plan)
						props[pk] = transformedSub
						lossy = lossy || subLossy
						continue
					}
					props[pk] = pv
				}
				out[k] = props
			} else {
				out[k] = v
			}
		default:
			out[k] = v
		}
	}

	if t, ok := out["type"]; ok && t == "object" && profile.RequiresAdditionalPropsFalse {
		out["additionalProperties"] = false
	}

	return out, lossy
}

func transformSlice(arr []any, profile ModelProfile, plan *Plan) []any {
	out := make([]any, 0, len(arr))
	for _, v := range arr {
		if m, ok := v.(map[string]any); ok {
			sub, lossy := transform(m, profile, plan)
			if lossy {
				plan.StrictApplied = false
			}
			out = append(out, sub)
			continue
		}
		out = append(out, v)
	}
	return out
}

func countKeys(node map[string]any) int {
	count := 0
	for k, v := range node {
		_ = k
		count++
		switch val := v.(type) {
		case map[string]any:
			count += countKeys(val)
		case []any:
			for _, item := range val {
				if m, ok := item.(map[string]any); ok {
					count += countKeys(m)
				}
			}
		}
	}
	return count
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
