package consequence

import (
	_ "embed"
)

//go:embed fallback.yaml
var defaultFallbackYAML []byte

// DefaultFallback returns the built-in zone table. Deployments can override
// it with a site-specific file via configuration.
func DefaultFallback() (*FallbackTable, error) {
	return ParseFallback(defaultFallbackYAML)
}
