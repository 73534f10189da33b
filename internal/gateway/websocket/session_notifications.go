package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/chorus-dev/chorus/internal/common/logger"
	"github.com/chorus-dev/chorus/internal/events"
	"github.com/chorus-dev/chorus/internal/events/bus"
	ws "github.com/chorus-dev/chorus/pkg/websocket"
)

// SessionStreamBroadcaster bridges the event bus to WebSocket clients.
// It subscribes to session-scoped subjects and forwards each event as a
// notification to the clients subscribed to that session.
type SessionStreamBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterSessionStreamNotifications subscribes the gateway to all
// session-scoped events. Worktree ids equal session ids, so worktree
// events route through the same session subscriptions.
func RegisterSessionStreamNotifications(hub *Hub, eventBus bus.EventBus, log *logger.Logger) (*SessionStreamBroadcaster, error) {
	b := &SessionStreamBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "session_stream_broadcaster")),
	}

	routes := []struct {
		subject string
		action  string
	}{
		{events.BuildStreamMessageWildcardSubject(), ws.ActionStreamMessage},
		{events.BuildUserPromptWildcardSubject(), ws.ActionStreamUserPrompt},
		{events.BuildSessionStatusWildcardSubject(), ws.ActionSessionStatus},
		{events.SessionDeleted + ".*", ws.ActionSessionDeleted},
		{events.BuildPermissionRequestWildcardSubject(), ws.ActionPermissionRequest},
		{events.BuildRunnerErrorWildcardSubject(), ws.ActionRunnerError},
		{events.BuildWorktreeWildcardSubject(events.WorktreeCreated), ws.ActionWorktreeCreated},
		{events.BuildWorktreeWildcardSubject(events.WorktreeMerged), ws.ActionWorktreeMerged},
		{events.BuildWorktreeWildcardSubject(events.WorktreeAbandoned), ws.ActionWorktreeAbandoned},
		{events.BuildWorktreeWildcardSubject(events.WorktreePRCreated), ws.ActionWorktreePRCreated},
	}

	for _, route := range routes {
		sub, err := b.subscribe(eventBus, route.subject, route.action)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.subscriptions = append(b.subscriptions, sub)
	}

	return b, nil
}

// subscribe wires one bus subject to one notification action.
func (b *SessionStreamBroadcaster) subscribe(eventBus bus.EventBus, subject, action string) (bus.Subscription, error) {
	return eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		sessionID := extractSessionID(event.Data)
		if sessionID == "" {
			b.logger.Warn("Event without session_id, dropping",
				zap.String("subject", subject),
				zap.String("event_type", event.Type))
			return nil
		}

		msg, err := ws.NewNotification(action, event.Data)
		if err != nil {
			b.logger.Error("Failed to build notification",
				zap.String("action", action),
				zap.Error(err))
			return nil
		}

		b.hub.BroadcastToSession(sessionID, msg)
		return nil
	})
}

// Close tears down all bus subscriptions.
func (b *SessionStreamBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	b.subscriptions = nil
}

// extractSessionID pulls the session id out of event data.
func extractSessionID(data map[string]interface{}) string {
	if data == nil {
		return ""
	}
	if id, ok := data["session_id"].(string); ok {
		return id
	}
	return ""
}
