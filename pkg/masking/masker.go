// Package masking redacts secrets from tool output before it reaches the
// model, the event stream, or the session store.
package masking

// Masker is the interface for code-based maskers that need structural
// awareness beyond regex pattern matching (e.g. masking only the values of
// secret-looking env assignments, not every assignment).
type Masker interface {
	// Name returns the unique identifier for this masker, referenced from
	// pattern groups and config.
	Name() string

	// AppliesTo performs a lightweight check on whether this masker should
	// process the data. Should be fast (string contains, not parsing).
	AppliesTo(data string) bool

	// Mask applies masking logic and returns the masked result.
	// Must be defensive: return original data on parse errors.
	Mask(data string) string
}
