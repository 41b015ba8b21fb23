package llm

// schemaProperties extracts the "properties" object from a tool parameter
// schema, tolerating a nil or partial schema.
func schemaProperties(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		return props
	}
	return map[string]any{}
}

// schemaRequired extracts the "required" name list, which YAML and JSON
// decoding may surface as either []string or []any.
func schemaRequired(schema map[string]any) []string {
	if schema == nil {
		return nil
	}
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
