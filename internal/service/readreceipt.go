package service

import (
	"context"

	"courier/internal/models"
	"courier/internal/privacy"
	"courier/pkg/transport"

	"github.com/sirupsen/logrus"
)

// ReceiptSender is the slice of the transport the aggregator needs.
type ReceiptSender interface {
	SendReadReceipt(ctx context.Context, receipt transport.ReadReceiptMessage, destination models.Address) error
}

// ReadReceiptAggregator turns a batch of locally-marked-read messages
// into at most one read receipt per destination, and arms read-after
// expiration timers regardless of the receipt preference.
type ReadReceiptAggregator struct {
	storage Storage
	sender  ReceiptSender
	expirer DeletionScheduler
	prefs   Preferences
	clock   Clock
	logger  *logrus.Logger
}

func NewReadReceiptAggregator(storage Storage, sender ReceiptSender, expirer DeletionScheduler, prefs Preferences, clock Clock, logger *logrus.Logger) *ReadReceiptAggregator {
	return &ReadReceiptAggregator{
		storage: storage,
		sender:  sender,
		expirer: expirer,
		prefs:   prefs,
		clock:   clock,
		logger:  logger,
	}
}

// Process handles one "mark conversation read" batch.
func (a *ReadReceiptAggregator) Process(ctx context.Context, marked []models.MarkedMessageInfo) {
	if len(marked) == 0 {
		return
	}

	// Read-marking arms read-after timers whether or not receipts are
	// being sent.
	for _, info := range marked {
		a.scheduleDeletion(ctx, info.ExpirationInfo)
	}

	if !a.prefs.ReadReceiptsEnabled() {
		return
	}

	// Group timestamps by destination, preserving batch order within
	// each address.
	timestampsByAddress := make(map[models.Address][]int64)
	var order []models.Address
	for _, info := range marked {
		address := info.SyncMessageID.Address
		if _, seen := timestampsByAddress[address]; !seen {
			order = append(order, address)
		}
		timestampsByAddress[address] = append(timestampsByAddress[address], info.SyncMessageID.Timestamp)
	}

	for _, address := range order {
		recipient, err := a.storage.EnsureRecipient(ctx, address)
		if err != nil {
			a.logger.WithError(err).WithField("address", privacy.MaskAddress(address.String())).
				Warn("Failed to resolve recipient for read receipt")
			continue
		}
		if !shouldSendReadReceipt(recipient) {
			continue
		}

		receipt := transport.ReadReceiptMessage{
			Timestamps: timestampsByAddress[address],
			SentAt:     a.clock.NowMillis(),
		}
		if err := a.sender.SendReadReceipt(ctx, receipt, address); err != nil {
			a.logger.WithError(err).WithField("address", privacy.MaskAddress(address.String())).
				Warn("Failed to send read receipt")
		}
	}
}

// scheduleDeletion arms the timer for a read-after expiring message.
// Already-armed timers stay untouched.
func (a *ReadReceiptAggregator) scheduleDeletion(ctx context.Context, info models.ExpirationInfo) {
	if !info.Pending() {
		return
	}

	startedAt, err := a.storage.MarkExpireStarted(ctx, info.ID, a.clock.NowMillis())
	if err != nil {
		a.logger.WithError(err).WithField("messageId", info.ID).Error("Failed to arm expiration timer")
		return
	}
	a.expirer.ScheduleDeletion(ctx, info.ID, info.IsGroup, startedAt, info.ExpiresIn)
}

// shouldSendReadReceipt gates receipt emission per recipient: groups,
// blocked contacts, and recipients known to be unregistered never get
// read receipts. Unknown registration passes; the receipt send itself
// settles the question.
func shouldSendReadReceipt(recipient *models.Recipient) bool {
	return !recipient.IsGroup && !recipient.Blocked && recipient.Registered != models.RegisteredStateNotRegistered
}
