package service

import (
	"context"
	"encoding/base64"
	"errors"

	apperrors "courier/internal/errors"
	"courier/internal/models"
	"courier/internal/privacy"
	"courier/pkg/transport"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SendJob delivers one message to one destination. It is re-invoked by
// the job runner on transient failure; every other failure category is
// resolved to a terminal local state inside Run, so the runner's retry
// decision reduces to errors.IsRetryable.
type SendJob struct {
	id       string
	params   models.JobParameters
	storage  Storage
	client   transport.Client
	expirer  DeletionScheduler
	notifier Notifier
	prefs    Preferences
	clock    Clock
	logger   *logrus.Logger
}

func NewSendJob(params models.JobParameters, storage Storage, client transport.Client, expirer DeletionScheduler, notifier Notifier, prefs Preferences, clock Clock, logger *logrus.Logger) *SendJob {
	return &SendJob{
		id:       uuid.NewString(),
		params:   params,
		storage:  storage,
		client:   client,
		expirer:  expirer,
		notifier: notifier,
		prefs:    prefs,
		clock:    clock,
		logger:   logger,
	}
}

func (j *SendJob) ID() string {
	return j.id
}

// MessageID keys the runner's single-active-attempt bookkeeping.
func (j *SendJob) MessageID() int64 {
	return j.params.TemplateMessageID
}

// Run executes one delivery attempt. A nil return means the attempt
// reached a terminal outcome (delivered, or failure already resolved to
// local state); a retryable error asks the runner to try again later.
func (j *SendJob) Run(ctx context.Context) error {
	record, err := j.storage.GetMessage(ctx, j.params.TemplateMessageID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to read template message")
	}
	if record == nil {
		return apperrors.New(apperrors.ErrCodeNotFound, "template message no longer exists").
			WithContext("templateMessageId", j.params.TemplateMessageID)
	}

	// Idempotency guard: a fresh row read decides whether any work is
	// left. A terminal row means a previous attempt or another job
	// already delivered this message.
	sameDestination := j.params.Destination == record.Address
	if sameDestination && !record.IsPending() && !record.IsFailed() {
		j.logger.WithField("templateMessageId", j.params.TemplateMessageID).
			Debug("Message was already sent; ignoring")
		return nil
	}

	logEntry := j.logger.WithFields(logrus.Fields{
		"templateMessageId": j.params.TemplateMessageID,
		"destination":       privacy.MaskAddress(j.params.Destination.String()),
		"linkedDevice":      !sameDestination,
	})
	logEntry.Info("Sending message")

	recipient, err := j.storage.EnsureRecipient(ctx, j.params.Destination)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to resolve destination recipient")
	}
	priorAccessMode := recipient.AccessMode
	profileKey := recipient.ProfileKey

	unidentified, err := j.deliver(ctx, record, recipient)
	if err != nil {
		return j.classifyFailure(ctx, record, err)
	}

	if j.params.MessageID >= 0 {
		if err := j.storage.MarkSent(ctx, j.params.MessageID); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to mark message sent")
		}
		if err := j.storage.MarkUnidentified(ctx, j.params.MessageID, unidentified); err != nil {
			j.logger.WithError(err).Warn("Failed to record unidentified flag")
		}
	}

	// A message to our own address is trivially received and read.
	if j.params.Destination == j.prefs.LocalAddress() {
		syncID := models.SyncMessageID{Address: recipient.Address, Timestamp: record.SentAt}
		now := j.clock.NowMillis()
		if err := j.storage.IncrementDeliveryReceiptCount(ctx, syncID, now); err != nil {
			j.logger.WithError(err).Warn("Failed to increment self delivery receipt")
		}
		if err := j.storage.IncrementReadReceiptCount(ctx, syncID, now); err != nil {
			j.logger.WithError(err).Warn("Failed to increment self read receipt")
		}
	}

	j.updateAccessMode(ctx, recipient, priorAccessMode, profileKey, unidentified)

	if record.ExpiresIn > 0 && j.params.MessageID >= 0 {
		startedAt, err := j.storage.MarkExpireStarted(ctx, j.params.MessageID, j.clock.NowMillis())
		if err != nil {
			j.logger.WithError(err).Warn("Failed to arm expiration timer")
		} else {
			j.expirer.ScheduleDeletion(ctx, j.params.MessageID, record.IsGroup, startedAt, record.ExpiresIn)
		}
	}

	logEntry.Info("Sent message")
	return nil
}

// deliver fans the payload out to its targets: the primary recipient
// and, unless the destination is the local user, a self-sync copy to
// our own linked devices. Sync failure never fails the overall send.
func (j *SendJob) deliver(ctx context.Context, record *models.MessageRecord, recipient *models.Recipient) (bool, error) {
	localAddress := j.prefs.LocalAddress()

	payload := transport.Payload{
		Timestamp:  record.SentAt,
		Body:       record.Body,
		ExpiresIn:  record.ExpiresIn,
		ProfileKey: recipient.ProfileKey,
	}

	result, err := j.client.Deliver(ctx, payload, j.params.Destination, j.accessKeyFor(recipient))
	if err != nil {
		return false, err
	}

	if j.params.Destination != localAddress {
		syncPayload := payload
		syncPayload.SyncTarget = j.params.Destination.String()

		if _, syncErr := j.client.Deliver(ctx, syncPayload, localAddress, j.selfAccessKey()); syncErr != nil {
			// Best-effort side channel: logged, never propagated.
			j.logger.WithError(syncErr).Error("Failed to send sync copy to own devices")
		}
	}

	return result.Unidentified, nil
}

// classifyFailure maps a delivery error to its recovery action. Only
// undifferentiated I/O failures cross back to the runner as retryable;
// everything else resolves terminally here.
func (j *SendJob) classifyFailure(ctx context.Context, record *models.MessageRecord, err error) error {
	var untrusted *transport.UntrustedIdentityError
	var apiErr *transport.APIError

	switch {
	case errors.Is(err, transport.ErrUnregistered):
		// Insecure fallback requires explicit approval; tell the user.
		apperrors.LogClassified(j.logger, apperrors.Wrap(err, apperrors.ErrCodeUnregisteredRecipient, "recipient cannot receive secure messages"), "Send failed")
		if j.params.MessageID >= 0 {
			if dbErr := j.storage.MarkPendingInsecureFallback(ctx, record.ID); dbErr != nil {
				j.logger.WithError(dbErr).Error("Failed to mark message pending fallback")
			}
			j.notifyFailure(ctx, record.ThreadID)
		}
		return nil

	case errors.As(err, &untrusted):
		apperrors.LogClassified(j.logger, apperrors.Wrap(err, apperrors.ErrCodeUntrustedIdentity, "recipient identity key changed"), "Send failed")
		if j.params.MessageID >= 0 {
			if dbErr := j.storage.SetMismatchedIdentity(ctx, record.ID, untrusted.IdentityKey); dbErr != nil {
				j.logger.WithError(dbErr).Error("Failed to record mismatched identity")
			}
			if dbErr := j.storage.MarkSentFailed(ctx, record.ID); dbErr != nil {
				j.logger.WithError(dbErr).Error("Failed to mark message failed")
			}
		}
		return nil

	case errors.As(err, &apiErr):
		apperrors.LogClassified(j.logger, apperrors.Wrap(err, apperrors.ErrCodeTransportAPI, "transport rejected the message"), "Send failed")
		if j.params.MessageID >= 0 {
			if dbErr := j.storage.SetErrorMessage(ctx, record.ID, apiErr.Description); dbErr != nil {
				j.logger.WithError(dbErr).Error("Failed to persist transport error")
			}
			if dbErr := j.storage.MarkSentFailed(ctx, record.ID); dbErr != nil {
				j.logger.WithError(dbErr).Error("Failed to mark message failed")
			}
		}
		return nil

	default:
		return apperrors.WrapRetryable(err, apperrors.ErrCodeNetworkIO, "delivery failed, will retry").
			WithContext("templateMessageId", j.params.TemplateMessageID)
	}
}

// updateAccessMode infers the recipient's sealed-sender capability from
// the observed send outcome. Transitions happen only while the sending
// preference is enabled.
func (j *SendJob) updateAccessMode(ctx context.Context, recipient *models.Recipient, prior models.UnidentifiedAccessMode, profileKey []byte, unidentified bool) {
	if !j.prefs.UnidentifiedDeliveryEnabled() {
		return
	}

	var next models.UnidentifiedAccessMode
	switch {
	case unidentified && prior == models.UnidentifiedAccessUnknown && profileKey == nil:
		next = models.UnidentifiedAccessUnrestricted
	case unidentified && prior == models.UnidentifiedAccessUnknown:
		next = models.UnidentifiedAccessEnabled
	case !unidentified && prior != models.UnidentifiedAccessDisabled:
		next = models.UnidentifiedAccessDisabled
	default:
		return
	}

	j.logger.WithFields(logrus.Fields{
		"recipient": privacy.MaskAddress(recipient.Address.String()),
		"priorMode": prior,
		"newMode":   next,
	}).Info("Updating recipient unidentified-access mode")

	if err := j.storage.SetUnidentifiedAccessMode(ctx, recipient.Address, next); err != nil {
		j.logger.WithError(err).Warn("Failed to update unidentified-access mode")
	}
}

// Cancel runs when the runner gives up retrying. The row is marked
// failed and the user notified, provided the owning conversation still
// resolves.
func (j *SendJob) Cancel(ctx context.Context) {
	if j.params.MessageID < 0 {
		return
	}

	if err := j.storage.MarkSentFailed(ctx, j.params.MessageID); err != nil {
		j.logger.WithError(err).Error("Failed to mark canceled message failed")
	}

	record, err := j.storage.GetMessage(ctx, j.params.MessageID)
	if err != nil || record == nil {
		return
	}
	j.notifyFailure(ctx, record.ThreadID)
}

func (j *SendJob) notifyFailure(ctx context.Context, threadID int64) {
	recipient, err := j.storage.GetThreadRecipient(ctx, threadID)
	if err != nil {
		j.logger.WithError(err).Warn("Failed to resolve conversation for failure notification")
		return
	}
	if recipient == nil {
		return
	}
	j.notifier.NotifyDeliveryFailed(ctx, recipient, threadID)
}

// accessKeyFor derives the sealed-sender credential to present for a
// recipient, or "" to send identified.
func (j *SendJob) accessKeyFor(recipient *models.Recipient) string {
	if !j.prefs.UnidentifiedDeliveryEnabled() {
		return ""
	}

	switch recipient.AccessMode {
	case models.UnidentifiedAccessDisabled:
		return ""
	case models.UnidentifiedAccessUnrestricted:
		return unrestrictedAccessKey()
	default:
		// Unknown or enabled: use a profile-key-derived credential when
		// we have one, otherwise probe with the unrestricted key.
		if len(recipient.ProfileKey) > 0 {
			return base64.StdEncoding.EncodeToString(recipient.ProfileKey)
		}
		return unrestrictedAccessKey()
	}
}

func (j *SendJob) selfAccessKey() string {
	if !j.prefs.UnidentifiedDeliveryEnabled() {
		return ""
	}
	return unrestrictedAccessKey()
}

func unrestrictedAccessKey() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 16))
}
