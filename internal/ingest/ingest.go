// Package ingest subscribes to the integration MQTT topics, mirrors entity
// state into the datastore, and feeds entity-change notifications to the
// dispatcher.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/latchpoint/latchpoint/internal/conf"
	"github.com/latchpoint/latchpoint/internal/datastore/entities"
	"github.com/latchpoint/latchpoint/internal/datastore/repository"
	"github.com/latchpoint/latchpoint/internal/logger"
)

// Subscriber is the broker surface ingest needs. Satisfied by
// gateway.MqttClient.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
}

// Notifier receives entity-change notifications. Satisfied by the
// dispatcher.
type Notifier interface {
	NotifyEntitiesChanged(ctx context.Context, source string, entityIDs []string)
}

// Service wires the zigbee2mqtt, zwavejs, and frigate topic streams into
// the repository and dispatcher.
type Service struct {
	repo     repository.RuleRepository
	notifier Notifier
	sub      Subscriber
	log      logger.Logger

	z2mTopic     string
	zwaveTopic   string
	frigateTopic string
}

// NewService creates the ingest service.
func NewService(repo repository.RuleRepository, notifier Notifier, sub Subscriber, settings *conf.Settings, log logger.Logger) *Service {
	return &Service{
		repo:         repo,
		notifier:     notifier,
		sub:          sub,
		log:          log,
		z2mTopic:     settings.MQTT.Zigbee2MQTTTopic,
		zwaveTopic:   settings.MQTT.ZWaveJSTopic,
		frigateTopic: settings.Frigate.MQTTTopic,
	}
}

// Start subscribes to every integration topic. Handlers run on paho's
// router goroutine and must not block.
func (s *Service) Start(ctx context.Context) error {
	subs := []struct {
		topic   string
		handler func(topic string, payload []byte)
	}{
		{s.z2mTopic + "/+", func(t string, p []byte) { s.handleZigbee(ctx, t, p) }},
		{s.zwaveTopic + "/#", func(t string, p []byte) { s.handleZWave(ctx, t, p) }},
		{s.frigateTopic + "/events", func(t string, p []byte) { s.handleFrigateEvent(ctx, p) }},
		{s.frigateTopic + "/available", func(t string, p []byte) { s.handleFrigateAvailable(ctx, p) }},
	}
	for _, sub := range subs {
		if err := s.sub.Subscribe(sub.topic, 0, sub.handler); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", sub.topic, err)
		}
	}
	s.log.Info("ingest subscriptions active",
		logger.String("zigbee2mqtt", s.z2mTopic),
		logger.String("zwavejs", s.zwaveTopic),
		logger.String("frigate", s.frigateTopic))
	return nil
}

// handleZigbee processes one device state report from zigbee2mqtt.
// Topic shape: <base>/<friendly_name>.
func (s *Service) handleZigbee(ctx context.Context, topic string, payload []byte) {
	device := strings.TrimPrefix(topic, s.z2mTopic+"/")
	if device == "" || strings.HasPrefix(device, "bridge") || strings.Contains(device, "/") {
		return
	}

	state := extractState(payload)
	entityID := "zigbee2mqtt." + device
	s.upsertAndNotify(ctx, entityID, entities.SourceZigbee2MQTT, state)
}

// handleZWave processes one value update from Z-Wave JS UI.
// Topic shape: <base>/<node>/<commandclass>/<endpoint>/<property>.
func (s *Service) handleZWave(ctx context.Context, topic string, payload []byte) {
	rest := strings.TrimPrefix(topic, s.zwaveTopic+"/")
	if rest == "" || strings.HasPrefix(rest, "_CLIENTS") || strings.HasSuffix(rest, "/set") {
		return
	}

	var msg struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Value == nil {
		return
	}

	entityID := "zwavejs." + strings.ReplaceAll(rest, "/", ".")
	state := fmt.Sprintf("%v", msg.Value)
	s.upsertAndNotify(ctx, entityID, entities.SourceZWaveJS, state)
}

// frigateEvent is the subset of Frigate's event payload the engine needs.
type frigateEvent struct {
	Type  string `json:"type"`
	After struct {
		ID           string   `json:"id"`
		Label        string   `json:"label"`
		Camera       string   `json:"camera"`
		TopScore     float64  `json:"top_score"`
		CurrentZones []string `json:"current_zones"`
	} `json:"after"`
}

// handleFrigateEvent records a detection snapshot. Every event also counts
// as a heartbeat.
func (s *Service) handleFrigateEvent(ctx context.Context, payload []byte) {
	now := time.Now()
	if err := s.repo.RecordFrigateHeartbeat(ctx, now); err != nil {
		s.log.Warn("failed to record frigate heartbeat", logger.Error(err))
	}

	var ev frigateEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.log.Warn("unparseable frigate event", logger.Error(err))
		return
	}
	if ev.Type == "end" || ev.After.Label == "" {
		return
	}

	zones, err := json.Marshal(ev.After.CurrentZones)
	if err != nil {
		zones = []byte("[]")
	}
	det := &entities.Detection{
		Provider:      "frigate",
		EventID:       ev.After.ID,
		Label:         ev.After.Label,
		Camera:        ev.After.Camera,
		Zones:         string(zones),
		ConfidencePct: ev.After.TopScore * 100,
		ObservedAt:    now,
	}
	if err := s.repo.InsertDetection(ctx, det); err != nil {
		s.log.Error("failed to insert detection", logger.Error(err))
	}
}

// handleFrigateAvailable records heartbeats from the availability topic.
func (s *Service) handleFrigateAvailable(ctx context.Context, payload []byte) {
	if string(payload) != "online" {
		return
	}
	if err := s.repo.RecordFrigateHeartbeat(ctx, time.Now()); err != nil {
		s.log.Warn("failed to record frigate heartbeat", logger.Error(err))
	}
}

// upsertAndNotify persists the new state and pushes the change into the
// dispatcher.
func (s *Service) upsertAndNotify(ctx context.Context, entityID, source, state string) {
	if err := s.repo.UpsertEntityState(ctx, entityID, source, &state, time.Now()); err != nil {
		s.log.Error("failed to upsert entity state",
			logger.String("entity_id", entityID), logger.Error(err))
		return
	}
	s.notifier.NotifyEntitiesChanged(ctx, source, []string{entityID})
}

// extractState pulls a representative state string from a device payload:
// the "state" field when present, otherwise the compact JSON document.
func extractState(payload []byte) string {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return strings.TrimSpace(string(payload))
	}
	if v, ok := doc["state"]; ok {
		if str, ok := v.(string); ok {
			return str
		}
		return fmt.Sprintf("%v", v)
	}
	compact, err := json.Marshal(doc)
	if err != nil {
		return strings.TrimSpace(string(payload))
	}
	return string(compact)
}
