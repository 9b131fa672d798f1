// Package queue bridges the inbound Redis Stream to the root agent. The
// listener is the only at-least-once boundary in the engine: it acknowledges
// on handoff and suppresses duplicate task ids within a short window, so
// everything behind it can assume at-most-once delivery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/config"
	"github.com/taskmesh/taskmesh/pkg/protocol"
)

// defaultDedupWindow bounds duplicate suppression when unconfigured.
const defaultDedupWindow = time.Minute

// dedupKeyPrefix namespaces the dedup markers in Redis.
const dedupKeyPrefix = "taskmesh:dedup:"

// Listener consumes wire messages from a Redis Stream consumer group and
// delivers them to the root agent.
type Listener struct {
	client   redis.UniversalClient
	cfg      config.QueueConfig
	system   *actor.System
	rootAddr string
	consumer string
}

// NewListener creates a listener. consumer names this replica within the
// consumer group; it should be stable across restarts of the same pod.
func NewListener(client redis.UniversalClient, cfg config.QueueConfig, system *actor.System, rootAddr, consumer string) *Listener {
	return &Listener{
		client:   client,
		cfg:      cfg,
		system:   system,
		rootAddr: rootAddr,
		consumer: consumer,
	}
}

// Start ensures the consumer group exists and launches the read loop. The
// loop stops when ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	err := l.client.XGroupCreateMkStream(ctx, l.cfg.Stream, l.cfg.ConsumerGroup, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group %q on stream %q: %w",
			l.cfg.ConsumerGroup, l.cfg.Stream, err)
	}
	go l.run(ctx)
	slog.Info("Queue listener started",
		"stream", l.cfg.Stream, "group", l.cfg.ConsumerGroup, "consumer", l.consumer)
	return nil
}

func (l *Listener) run(ctx context.Context) {
	block := l.cfg.BlockTimeout
	if block <= 0 {
		block = 5 * time.Second
	}
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    l.cfg.ConsumerGroup,
			Consumer: l.consumer,
			Streams:  []string{l.cfg.Stream, ">"},
			Count:    16,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			slog.Error("Queue read failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				l.handle(ctx, msg)
				// Ack on handoff: a message that reached (or was rejected by)
				// the boundary is never redelivered.
				if err := l.client.XAck(ctx, l.cfg.Stream, l.cfg.ConsumerGroup, msg.ID).Err(); err != nil {
					slog.Warn("Failed to ack queue message", "id", msg.ID, "error", err)
				}
			}
		}
	}
}

func (l *Listener) handle(ctx context.Context, msg redis.XMessage) {
	payload, err := extractPayload(msg.Values)
	if err != nil {
		slog.Warn("Dropped queue message", "id", msg.ID, "error", err)
		return
	}
	wire, err := protocol.ParseWireMessage([]byte(payload))
	if err != nil {
		slog.Warn("Dropped queue message", "id", msg.ID, "error", err)
		return
	}

	if wire.MsgType == protocol.WireStartTask && !l.firstDelivery(ctx, wire.TaskID) {
		slog.Info("Suppressed duplicate task delivery", "task_id", wire.TaskID)
		return
	}

	root, ok := l.system.Lookup(l.rootAddr)
	if !ok {
		slog.Error("Root agent not registered, dropping message", "task_id", wire.TaskID)
		return
	}
	root.Send(ToActorMessage(wire))
}

// firstDelivery claims the task id for the dedup window. Claim failures
// (Redis unavailable) err on the side of delivery.
func (l *Listener) firstDelivery(ctx context.Context, taskID string) bool {
	window := l.cfg.DedupWindow
	if window <= 0 {
		window = defaultDedupWindow
	}
	set, err := l.client.SetNX(ctx, dedupKeyPrefix+taskID, l.consumer, window).Result()
	if err != nil {
		slog.Warn("Dedup check failed, delivering anyway", "task_id", taskID, "error", err)
		return true
	}
	return set
}

// extractPayload pulls the JSON envelope out of a stream entry. Producers
// write it under "payload"; "data" is accepted for older producers.
func extractPayload(values map[string]any) (string, error) {
	for _, key := range []string{"payload", "data"} {
		if s, ok := values[key].(string); ok && s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("stream entry carries no payload field")
}

// ToActorMessage converts a validated wire message into the root agent's
// envelope, minting a trace id and normalizing the task path for fresh tasks.
func ToActorMessage(wire *protocol.WireMessage) actor.Message {
	if wire.MsgType == protocol.WireResumeTask {
		return protocol.ResumeMessage{
			TaskID:     wire.TaskID,
			UserID:     wire.UserID,
			Parameters: wire.Parameters,
		}
	}

	traceID := wire.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	taskPath := wire.TaskPath
	if taskPath == "" {
		taskPath = "/0"
	}

	params := wire.Parameters
	targetAgentID, _ := params["target_agent_id"].(string)

	var scheduleMeta map[string]any
	if wire.ScheduleMeta != nil {
		scheduleMeta = map[string]any{"definition_id": wire.ScheduleMeta.DefinitionID}
		if len(wire.ScheduleMeta.InputParams) > 0 {
			merged := make(map[string]any, len(params)+len(wire.ScheduleMeta.InputParams))
			for k, v := range params {
				merged[k] = v
			}
			for k, v := range wire.ScheduleMeta.InputParams {
				merged[k] = v
			}
			params = merged
		}
	}

	return protocol.TaskMessage{
		TaskID:        wire.TaskID,
		TraceID:       traceID,
		TaskPath:      taskPath,
		UserID:        wire.UserID,
		Input:         wire.UserInput,
		TargetAgentID: targetAgentID,
		Params:        params,
		ScheduleMeta:  scheduleMeta,
	}
}
