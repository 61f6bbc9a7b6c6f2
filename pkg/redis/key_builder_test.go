package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyBuilder_Build(t *testing.T) {
	kb := NewKeyBuilder("Cache", "Pipeline")
	tests := []struct {
		entity, attribute, want string
	}{
		{"question", "ABC", "cache:pipeline:question:abc"},
		{"Question", "", "cache:pipeline:question"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, kb.Build(tt.entity, tt.attribute))
	}
}

func TestKeyBuilder_PipelineKeys(t *testing.T) {
	assert.Equal(t, "queue:pipeline:dead_letters", NewKeyBuilder(NamespaceQueue, ContextPipeline).Build(EntityDeadLetters, ""))
	assert.Equal(t, "cache:pipeline:question:q-1", NewKeyBuilder(NamespaceCache, ContextPipeline).Build(EntityQuestion, "q-1"))
}
