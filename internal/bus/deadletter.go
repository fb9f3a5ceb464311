package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sgerhart/trapline/internal/metrics"
	"github.com/sgerhart/trapline/internal/model"
)

// NotifyDeadLetters registers a dead-letter hook that counts the move
// and raises an alert event for the operator. The message is already
// durable on the dead-letter stream when the hook fires, so a failed
// alert publish loses only the notification.
func NotifyDeadLetters(b Bus, m *metrics.Metrics, logger *slog.Logger) {
	b.OnDeadLetter(func(stream string, msg Message) {
		m.DeadLettersTotal.Inc()
		event := model.AlertEvent{
			Kind:      model.EventAlert,
			AlertKind: "dead-letter",
			Severity:  model.SeverityWarning,
			Detail:    fmt.Sprintf("message %s moved off %s after %d deliveries", msg.ID, stream, msg.Deliveries),
		}
		data, _ := json.Marshal(event)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := b.Publish(ctx, model.StreamAlert, data); err != nil {
			logger.Error("dead-letter alert publish failed", "stream", stream, "error", err)
		}
	})
}
