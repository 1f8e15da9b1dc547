// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import "sort"

// SchemaToParameters maps a JSON-schema object describing a capability's
// input onto a static parameter list. Only the object's top-level properties
// are described; nested structure stays in the property's schema and is the
// host's concern. Unknown or missing schemas yield an empty list.
func SchemaToParameters(schema map[string]any) []ParameterSpec {
	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return nil
	}

	required := map[string]bool{}
	if req, ok := schema["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	params := make([]ParameterSpec, 0, len(props))
	for name, raw := range props {
		spec := ParameterSpec{Name: name, Required: required[name]}
		if prop, ok := raw.(map[string]any); ok {
			if t, ok := prop["type"].(string); ok {
				spec.Type = t
			}
			if d, ok := prop["description"].(string); ok {
				spec.Description = d
			}
			spec.Default = prop["default"]
			if enum, ok := prop["enum"].([]any); ok {
				spec.Enum = enum
			}
		}
		params = append(params, spec)
	}

	// Map iteration order is random; keep the output stable for hosts that
	// build positional wrappers.
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params
}
