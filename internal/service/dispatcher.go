package service

import (
	"context"
	"sync"

	"courier/internal/models"
	"courier/internal/privacy"

	"github.com/sirupsen/logrus"
)

// ContentHandler is the decryption/handling collaborator message
// envelopes are handed to. The push flag only affects downstream
// scheduling priority.
type ContentHandler interface {
	HandleMessage(ctx context.Context, envelope models.Envelope, isPushNotification bool) error
}

// EnvelopeDispatcher serializes inbound envelope processing and routes
// each envelope to the receipt or message path. At most one envelope is
// interpreted at a time system-wide, which keeps registration-state
// writes and receipt-counter increments free of interleaving races.
type EnvelopeDispatcher struct {
	storage Storage
	handler ContentHandler
	clock   Clock
	logger  *logrus.Logger

	// receiveMu is the global receive lock.
	receiveMu sync.Mutex
}

func NewEnvelopeDispatcher(storage Storage, handler ContentHandler, clock Clock, logger *logrus.Logger) *EnvelopeDispatcher {
	return &EnvelopeDispatcher{
		storage: storage,
		handler: handler,
		clock:   clock,
		logger:  logger,
	}
}

// ProcessEnvelope interprets one inbound envelope. It never returns an
// error and never panics: a malformed or unsupported envelope must not
// abort processing of subsequent envelopes. Correctness of an
// individual envelope is sacrificed for liveness of the dispatch loop.
func (d *EnvelopeDispatcher) ProcessEnvelope(ctx context.Context, envelope models.Envelope, isPushNotification bool) {
	d.receiveMu.Lock()
	defer d.receiveMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("panic", r).Error("Recovered from panic while processing envelope")
		}
	}()

	// Best-effort state enrichment: a sender we hear from is registered.
	if envelope.HasSource() {
		d.enrichSource(ctx, envelope.Source)
	}

	switch {
	case envelope.Type == models.EnvelopeTypeReceipt:
		d.handleReceipt(ctx, envelope)
	case envelope.Type.IsMessage():
		if err := d.handler.HandleMessage(ctx, envelope, isPushNotification); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"type":   envelope.Type,
				"source": privacy.MaskAddress(envelope.Source.String()),
			}).Warn("Failed to handle message envelope")
		}
	default:
		d.logger.WithField("type", envelope.Type).Warn("Received envelope of unknown type")
	}
}

func (d *EnvelopeDispatcher) enrichSource(ctx context.Context, source models.Address) {
	recipient, err := d.storage.EnsureRecipient(ctx, source)
	if err != nil {
		d.logger.WithError(err).Warn("Failed to resolve envelope source")
		return
	}

	if recipient.Registered != models.RegisteredStateRegistered {
		if err := d.storage.SetRegistered(ctx, source, models.RegisteredStateRegistered); err != nil {
			d.logger.WithError(err).Warn("Failed to mark envelope source registered")
		}
	}
}

func (d *EnvelopeDispatcher) handleReceipt(ctx context.Context, envelope models.Envelope) {
	syncID := models.SyncMessageID{Address: envelope.Source, Timestamp: envelope.Timestamp}

	d.logger.WithFields(logrus.Fields{
		"source":    privacy.MaskAddress(envelope.Source.String()),
		"timestamp": envelope.Timestamp,
	}).Info("Received delivery receipt")

	if err := d.storage.IncrementDeliveryReceiptCount(ctx, syncID, d.clock.NowMillis()); err != nil {
		d.logger.WithError(err).Warn("Failed to record delivery receipt")
	}
}
