//go:build !debug_mem_utils

package memutils

const (
	// DebugHeaderMagic indicates whether allocated block headers carry a corruption marker in their
	// otherwise-unused link field
	DebugHeaderMagic bool = false
	// HeaderMagicValue is the marker written into the link field of allocated block headers
	HeaderMagicValue int = 0
)

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
}
