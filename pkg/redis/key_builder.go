package redis

import (
	"strings"
)

// KeyBuilder builds keys as namespace:context:entity[:attribute].
type KeyBuilder struct {
	namespace string
	context   string
}

// NewKeyBuilder creates a new KeyBuilder with the given namespace.
func NewKeyBuilder(namespace, context string) *KeyBuilder {
	return &KeyBuilder{
		namespace: strings.ToLower(namespace),
		context:   strings.ToLower(context),
	}
}

// Build creates a Redis key following our naming convention.
func (kb *KeyBuilder) Build(entity, attribute string) string {
	parts := []string{
		kb.namespace,
		kb.context,
		strings.ToLower(entity),
	}

	if attribute != "" {
		parts = append(parts, strings.ToLower(attribute))
	}

	return strings.Join(parts, ":")
}
