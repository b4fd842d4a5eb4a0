package notifications

import (
	"context"
	"fmt"

	"github.com/felipepmaragno/omnikit/internal/circuitbreaker"
	"github.com/felipepmaragno/omnikit/internal/quota"
)

// QuotaAlertHandler forwards quota alerts to notifier.
func QuotaAlertHandler(notifier Notifier) quota.AlertHandler {
	return func(ctx context.Context, a quota.Alert) {
		typ := NotificationQuotaWarning
		switch a.Level {
		case quota.AlertLevelCritical:
			typ = NotificationQuotaCritical
		case quota.AlertLevelExceeded:
			typ = NotificationQuotaExceeded
		}
		SendAsync(notifier, Notification{
			Type:    typ,
			TokenID: a.TokenID,
			Message: fmt.Sprintf("token %s used %d of %d units (%.1f%%)", a.TokenName, a.Used, a.Limit, a.Percentage),
			Data: map[string]any{
				"level": string(a.Level),
				"used":  a.Used,
				"limit": a.Limit,
			},
		})
	}
}

// BreakerTransition reports a channel leaving or rejoining rotation.
// HalfOpen transitions are not announced.
func BreakerTransition(notifier Notifier, channelID string, from, to circuitbreaker.State) {
	var typ NotificationType
	switch {
	case to == circuitbreaker.StateOpen && from != circuitbreaker.StateOpen:
		typ = NotificationChannelDown
	case to == circuitbreaker.StateClosed && from != circuitbreaker.StateClosed:
		typ = NotificationChannelUp
	default:
		return
	}
	SendAsync(notifier, Notification{
		Type:      typ,
		ChannelID: channelID,
		Message:   fmt.Sprintf("channel %s circuit %s -> %s", channelID, from, to),
	})
}

func LogWriteFailed(notifier Notifier, logID string, err error) {
	SendAsync(notifier, Notification{
		Type:    NotificationLogWriteFailed,
		Message: fmt.Sprintf("request log %s could not be written: %v", logID, err),
		Data:    map[string]any{"log_id": logID},
	})
}
