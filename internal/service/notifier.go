package service

import (
	"context"

	"courier/internal/models"
	"courier/internal/privacy"

	"github.com/sirupsen/logrus"
)

// LogNotifier is the default notification sink when no UI layer is
// attached; it records the failure where an operator can see it.
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyDeliveryFailed(ctx context.Context, recipient *models.Recipient, threadID int64) {
	n.logger.WithFields(logrus.Fields{
		"recipient": privacy.MaskAddress(recipient.Address.String()),
		"threadId":  threadID,
	}).Warn("Message delivery failed")
}
