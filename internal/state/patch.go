package state

// Patch is the key-scoped write set a node proposes. The engine applies it
// to the shared state only at the wave boundary, after checking every key
// against the node's declared produces set.
type Patch map[string]any

// NewPatch returns an empty patch.
func NewPatch() Patch {
	return make(Patch)
}

// Set records a write. Returns the patch for chaining.
func (p Patch) Set(key string, value any) Patch {
	p[key] = value
	return p
}

// Keys returns the keys this patch writes.
func (p Patch) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	return keys
}
