// Package notify surfaces user-visible messages as structured logs and
// NOTIFICATION broadcasts.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabclip/internal/progress"
	"github.com/JakeFAU/tabclip/internal/settings"
)

// SettingsReader exposes the notifications toggle.
type SettingsReader interface {
	Get(ctx context.Context) (settings.Settings, error)
}

// Notifier implements clipper.Notifier.
type Notifier struct {
	emitter  progress.Emitter
	settings SettingsReader
	logger   *zap.Logger
}

// New builds a Notifier. A nil settings reader notifies unconditionally.
func New(emitter progress.Emitter, s SettingsReader, logger *zap.Logger) *Notifier {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{emitter: emitter, settings: s, logger: logger}
}

// Notify broadcasts title and message unless the user disabled notifications.
// It is always logged.
func (n *Notifier) Notify(ctx context.Context, title, message string) {
	n.logger.Info("notification", zap.String("title", title), zap.String("message", message))
	if !n.enabled(ctx) {
		return
	}
	n.emitter.Emit(progress.Event{
		Stage: progress.StageNotification,
		Title: title,
		Note:  message,
	})
}

func (n *Notifier) enabled(ctx context.Context) bool {
	if n.settings == nil {
		return true
	}
	s, err := n.settings.Get(ctx)
	if err != nil {
		n.logger.Warn("notification settings unavailable", zap.Error(err))
		return true
	}
	return s.Notifications
}
