package llmprovider

// ModelMap maps the model names a canvas node chooses ("gpt-4", "claude",
// "gemini", ...) to concrete provider model IDs.
type ModelMap map[string]string

// Resolve returns the provider model for name. Unmapped names pass through;
// a "*" entry, when present, catches them.
func (m ModelMap) Resolve(name string) string {
	if id, ok := m[name]; ok && id != "" {
		return id
	}
	if id, ok := m["*"]; ok && id != "" {
		return id
	}
	return name
}

// DefaultModelMap routes every canvas model choice to one hosted model.
func DefaultModelMap() ModelMap {
	const hosted = "models/gemini-2.5-flash"
	return ModelMap{
		"gpt-4":   hosted,
		"gpt-3.5": hosted,
		"claude":  hosted,
		"gemini":  hosted,
	}
}
