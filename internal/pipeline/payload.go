package pipeline

import (
	"github.com/mitchellh/mapstructure"

	errs "github.com/nmxmxh/answerflow/pkg/errors"
)

// notificationPayload is carried by notification-stage messages.
type notificationPayload struct {
	Event  string                 `mapstructure:"event"`
	UserID string                 `mapstructure:"user_id"`
	Data   map[string]interface{} `mapstructure:"data"`
}

func (p notificationPayload) toMap() map[string]interface{} {
	return map[string]interface{}{"event": p.Event, "user_id": p.UserID, "data": p.Data}
}

// expertPayload is carried by expert_review messages.
type expertPayload struct {
	Reason string `mapstructure:"reason"`
}

// decodePayload maps a message payload onto out. Payloads that went through
// the broker come back as generic JSON, so input is weakly typed.
func decodePayload(in map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return errs.Validation("payload", err.Error())
	}
	return nil
}
