package redis

import "time"

// Key namespaces.
const (
	NamespaceCache = "cache"
	NamespaceQueue = "queue"
)

// Key contexts.
const (
	ContextPipeline = "pipeline"
)

// Key entities.
const (
	EntityQuestion = "question"
	// EntityDeadLetters names the stream that mirrors dead-lettered stage
	// messages: queue:pipeline:dead_letters.
	EntityDeadLetters = "dead_letters"
)

const (
	// DLQMaxLen caps the dead-letter stream; trimming is approximate.
	DLQMaxLen = 10000

	TTLStatusSnapshot = 30 * time.Second
)
