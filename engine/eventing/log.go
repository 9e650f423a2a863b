package eventing

import (
	"context"
	"encoding/json"
	"log"

	"github.com/itskum47/TwinForge/engine/model"
)

// LogCommandSink logs commands instead of sending them. It stands in when
// no command transport is configured.
type LogCommandSink struct{}

func NewLogCommandSink() *LogCommandSink {
	return &LogCommandSink{}
}

func (s *LogCommandSink) Publish(ctx context.Context, command model.Command) error {
	payload, err := json.Marshal(command)
	if err != nil {
		return err
	}
	log.Printf("[COMMAND] %s", payload)
	return nil
}
