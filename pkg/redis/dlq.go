package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/model"
	"github.com/nmxmxh/answerflow/pkg/json"
)

// DeadLetter mirrors a dead-lettered stage message to the dead-letter stream
// so operators can inspect it without a broker console. It matches
// pipeline.DeadLetterSink.
func (c *Client) DeadLetter(ctx context.Context, msg *model.PipelineMessage, cause error) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		payload = []byte(fmt.Sprintf("%+v", msg))
	}
	_, err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.dlq,
		MaxLen: DLQMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"stage":     string(msg.Stage),
			"target_id": msg.TargetID,
			"attempt":   msg.Attempt,
			"message":   string(payload),
			"error":     fmt.Sprintf("%v", cause),
			"at":        time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		c.log.Error("Failed to mirror dead letter", zap.String("stream", c.dlq), zap.String("stage", string(msg.Stage)), zap.Error(err))
	}
	return err
}
