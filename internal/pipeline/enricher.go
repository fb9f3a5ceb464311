// Package pipeline hosts the stream consumers that run behind the
// honeypot engine, currently the MITRE enrichment worker.
package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sgerhart/trapline/internal/bus"
	"github.com/sgerhart/trapline/internal/metrics"
	"github.com/sgerhart/trapline/internal/mitre"
	"github.com/sgerhart/trapline/internal/model"
	"github.com/sgerhart/trapline/internal/store"
)

// ConsumerGroup is the enricher's durable group name on the raw-action
// stream.
const ConsumerGroup = "enricher"

const (
	fetchBatch = 32
	fetchWait  = 2 * time.Second
	dedupSize  = 8192
)

// rawActionSchema validates inbound raw-action events before they
// reach the classifier.
const rawActionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["kind", "session_id", "step", "action_kind", "timestamp"],
  "properties": {
    "kind": {"const": "raw-action"},
    "session_id": {"type": "string", "minLength": 1},
    "step": {"type": "integer", "minimum": 1},
    "action_kind": {"type": "string", "minLength": 1},
    "payload_b64": {"type": "string"},
    "suspicion_delta": {"type": "number"},
    "timestamp": {"type": "string"}
  }
}`

// Enricher consumes raw-action events, classifies each against the
// MITRE rule table, annotates the stored action, and republishes the
// enriched event. Acknowledgement happens only after the enriched
// event is durable, so a crash replays rather than drops.
type Enricher struct {
	bus        bus.Bus
	store      store.Store
	classifier *mitre.Classifier
	metrics    *metrics.Metrics
	logger     *slog.Logger
	schema     *jsonschema.Schema
	seen       *lru.Cache[string, struct{}]
}

// New builds the enrichment worker.
func New(b bus.Bus, st store.Store, cl *mitre.Classifier, m *metrics.Metrics, logger *slog.Logger) (*Enricher, error) {
	schema, err := jsonschema.CompileString("raw-action.json", rawActionSchema)
	if err != nil {
		return nil, fmt.Errorf("compile raw-action schema: %w", err)
	}
	seen, err := lru.New[string, struct{}](dedupSize)
	if err != nil {
		return nil, err
	}
	return &Enricher{
		bus:        b,
		store:      st,
		classifier: cl,
		metrics:    m,
		logger:     logger,
		schema:     schema,
		seen:       seen,
	}, nil
}

// Run consumes until ctx is cancelled.
func (e *Enricher) Run(ctx context.Context) error {
	e.logger.Info("enricher started", "group", ConsumerGroup, "rules", e.classifier.RuleCount())
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := e.bus.Fetch(ctx, model.StreamRawAction, ConsumerGroup, fetchBatch, fetchWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("fetch failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for i := range msgs {
			e.handle(ctx, &msgs[i])
		}
	}
}

// handle processes one message. The message is acked unless the
// enriched publish fails, in which case redelivery retries the whole
// unit of work; the store annotation is idempotent so replays are safe.
func (e *Enricher) handle(ctx context.Context, msg *bus.Message) {
	if _, dup := e.seen.Get(msg.ID); dup {
		e.ack(msg)
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		e.logger.Warn("dropping undecodable raw-action", "offset", msg.Offset, "error", err)
		e.ack(msg)
		return
	}
	if err := e.schema.Validate(raw); err != nil {
		e.logger.Warn("dropping invalid raw-action", "offset", msg.Offset, "error", err)
		e.ack(msg)
		return
	}

	var event model.RawActionEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		e.ack(msg)
		return
	}

	start := time.Now()
	ann, classifyErr := e.classify(&event)
	e.metrics.EnrichDuration.Observe(time.Since(start).Seconds())

	if ann != nil {
		if err := e.store.AnnotateAction(ctx, event.SessionID, event.Step, ann); err != nil {
			e.logger.Error("failed to annotate action",
				"session_id", event.SessionID, "step", event.Step, "error", err)
			// The enriched event still goes out; the store catches up
			// on redelivery if the publish fails too.
		}
	}

	enriched := model.EnrichedActionEvent{
		Kind:           model.EventEnrichedAction,
		SessionID:      event.SessionID,
		Step:           event.Step,
		ActionKind:     event.ActionKind,
		PayloadB64:     event.PayloadB64,
		SuspicionDelta: event.SuspicionDelta,
		Timestamp:      event.Timestamp,
		Error:          classifyErr,
	}
	if ann != nil {
		enriched.Tactic = &ann.Tactic
		enriched.Technique = &ann.Technique
		if ann.SubTechnique != "" {
			enriched.SubTechnique = &ann.SubTechnique
		}
	}

	data, err := json.Marshal(enriched)
	if err != nil {
		e.logger.Error("failed to marshal enriched event", "error", err)
		e.ack(msg)
		return
	}
	if _, err := e.bus.Publish(ctx, model.StreamEnriched, data); err != nil {
		e.metrics.BusPublishErrors.Inc()
		e.logger.Warn("failed to publish enriched event, leaving unacked",
			"session_id", event.SessionID, "step", event.Step, "error", err)
		return
	}
	e.metrics.EnrichedTotal.Inc()
	e.seen.Add(msg.ID, struct{}{})
	e.ack(msg)
}

// classify runs the rule table under panic isolation. A panicking rule
// yields a null annotation and an error tag instead of stalling the
// stream.
func (e *Enricher) classify(event *model.RawActionEvent) (ann *model.Annotation, errTag string) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.ClassifierErrors.Inc()
			e.logger.Error("classifier panic isolated",
				"action_kind", event.ActionKind, "step", event.Step, "panic", r)
			ann = nil
			errTag = "classifier-panic"
		}
	}()
	service, _, _ := strings.Cut(event.ActionKind, ".")
	payload := decodePayload(event.PayloadB64)
	return e.classifier.Classify(service, event.ActionKind, payload), ""
}

func (e *Enricher) ack(msg *bus.Message) {
	if err := msg.Ack(); err != nil {
		e.logger.Warn("ack failed", "stream", msg.Stream, "offset", msg.Offset, "error", err)
	}
}

func decodePayload(b64 string) []byte {
	if b64 == "" {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return []byte(b64)
	}
	return data
}
