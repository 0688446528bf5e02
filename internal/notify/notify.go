// Package notify доставляет уведомления водителям: push-шлюз, NSQ и журнал.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Notifier отправляет одно уведомление на устройство с указанным push-токеном.
type Notifier interface {
	Notify(ctx context.Context, pushToken, title, body string, data map[string]string) error
}

// Multi рассылает уведомление всем получателям и объединяет их ошибки.
type Multi []Notifier

// Notify вызывает каждого получателя, даже если предыдущий вернул ошибку.
func (m Multi) Notify(ctx context.Context, pushToken, title, body string, data map[string]string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, pushToken, title, body, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier только пишет уведомление в журнал. Используется, когда внешний шлюз не настроен.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier создаёт LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify пишет уведомление в журнал и никогда не возвращает ошибку.
func (n *LogNotifier) Notify(ctx context.Context, pushToken, title, body string, data map[string]string) error {
	n.logger.Info("notification",
		zap.String("title", title),
		zap.String("body", body),
		zap.Any("data", data),
	)
	return nil
}
