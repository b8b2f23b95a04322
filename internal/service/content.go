package service

import (
	"context"

	"courier/internal/models"
	"courier/internal/privacy"

	"github.com/sirupsen/logrus"
)

// DataContent is a decrypted message envelope's payload. Exactly one of
// the three shapes is populated: a timer update, a read acknowledgment,
// or a plain data message.
type DataContent struct {
	Body                  string
	Timestamp             int64
	ExpiresIn             int64
	ProfileKey            []byte
	ExpirationTimerUpdate bool
	ReadTimestamps        []int64
}

// Decryptor opens an envelope into its content. The protocol layer
// behind it is an external collaborator.
type Decryptor interface {
	Decrypt(ctx context.Context, envelope models.Envelope) (*DataContent, error)
}

// MessageContentHandler applies decrypted message content to local
// state: stores inbound messages, applies peers' disappearing-message
// settings, and honors read acknowledgments.
type MessageContentHandler struct {
	storage   Storage
	decryptor Decryptor
	expirer   DeletionScheduler
	clock     Clock
	logger    *logrus.Logger
}

func NewMessageContentHandler(storage Storage, decryptor Decryptor, expirer DeletionScheduler, clock Clock, logger *logrus.Logger) *MessageContentHandler {
	return &MessageContentHandler{
		storage:   storage,
		decryptor: decryptor,
		expirer:   expirer,
		clock:     clock,
		logger:    logger,
	}
}

func (h *MessageContentHandler) HandleMessage(ctx context.Context, envelope models.Envelope, isPushNotification bool) error {
	content, err := h.decryptor.Decrypt(ctx, envelope)
	if err != nil {
		return err
	}

	logEntry := h.logger.WithFields(logrus.Fields{
		"source": privacy.MaskAddress(envelope.Source.String()),
		"push":   isPushNotification,
	})

	switch {
	case content.ExpirationTimerUpdate:
		logEntry.WithField("expiresInMs", content.ExpiresIn).Info("Applying expiration timer update")
		return h.storage.SetRecipientExpiresIn(ctx, envelope.Source, content.ExpiresIn)

	case len(content.ReadTimestamps) > 0:
		h.handleReadAcknowledgment(ctx, envelope.Source, content.ReadTimestamps)
		return nil

	default:
		return h.storeInboundMessage(ctx, envelope, content)
	}
}

// handleReadAcknowledgment processes a peer's read receipt: the read
// counter increments, and reading is a valid trigger for arming a
// read-after expiring message.
func (h *MessageContentHandler) handleReadAcknowledgment(ctx context.Context, source models.Address, timestamps []int64) {
	now := h.clock.NowMillis()

	for _, ts := range timestamps {
		syncID := models.SyncMessageID{Address: source, Timestamp: ts}

		if err := h.storage.IncrementReadReceiptCount(ctx, syncID, now); err != nil {
			h.logger.WithError(err).Warn("Failed to record read acknowledgment")
			continue
		}

		record, err := h.storage.GetMessageBySyncID(ctx, syncID)
		if err != nil || record == nil {
			continue
		}
		info := record.ExpirationInfo()
		if !info.Pending() {
			continue
		}

		startedAt, err := h.storage.MarkExpireStarted(ctx, record.ID, now)
		if err != nil {
			h.logger.WithError(err).WithField("messageId", record.ID).Warn("Failed to arm expiration timer")
			continue
		}
		h.expirer.ScheduleDeletion(ctx, record.ID, record.IsGroup, startedAt, record.ExpiresIn)
	}
}

func (h *MessageContentHandler) storeInboundMessage(ctx context.Context, envelope models.Envelope, content *DataContent) error {
	if len(content.ProfileKey) > 0 {
		if err := h.storage.SetProfileKey(ctx, envelope.Source, content.ProfileKey); err != nil {
			h.logger.WithError(err).Warn("Failed to store sender profile key")
		}
	}

	sentAt := content.Timestamp
	if sentAt == 0 {
		sentAt = envelope.Timestamp
	}

	msg := &models.MessageRecord{
		Address:   envelope.Source,
		Body:      content.Body,
		Outgoing:  false,
		SentAt:    sentAt,
		ExpiresIn: content.ExpiresIn,
		Status:    models.MessageStatusSent,
		IsGroup:   envelope.Type == models.EnvelopeTypeClosedGroup,
	}

	_, err := h.storage.InsertMessage(ctx, msg)
	return err
}
