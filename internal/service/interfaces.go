package service

import (
	"context"
	"time"

	"courier/internal/models"
)

// Storage is the transactionally-consistent message/recipient store the
// delivery components share. No component caches mutable fields across
// the boundary of a single operation.
type Storage interface {
	InsertMessage(ctx context.Context, msg *models.MessageRecord) (int64, error)
	GetMessage(ctx context.Context, id int64) (*models.MessageRecord, error)
	GetMessageBySyncID(ctx context.Context, syncID models.SyncMessageID) (*models.MessageRecord, error)
	MarkSent(ctx context.Context, id int64) error
	MarkSentFailed(ctx context.Context, id int64) error
	MarkPendingInsecureFallback(ctx context.Context, id int64) error
	MarkUnidentified(ctx context.Context, id int64, unidentified bool) error
	SetMismatchedIdentity(ctx context.Context, id int64, identityKey string) error
	SetErrorMessage(ctx context.Context, id int64, description string) error
	MarkExpireStarted(ctx context.Context, id int64, startedAtMs int64) (int64, error)
	IncrementDeliveryReceiptCount(ctx context.Context, syncID models.SyncMessageID, receivedAtMs int64) error
	IncrementReadReceiptCount(ctx context.Context, syncID models.SyncMessageID, receivedAtMs int64) error
	GetMessagesWithArmedTimers(ctx context.Context) ([]models.ExpirationInfo, error)
	DeleteMessage(ctx context.Context, id int64) error
	MarkThreadRead(ctx context.Context, threadID int64, readAtMs int64) ([]models.MarkedMessageInfo, error)
	GetThreadRecipient(ctx context.Context, threadID int64) (*models.Recipient, error)
	EnsureRecipient(ctx context.Context, address models.Address) (*models.Recipient, error)
	SetRegistered(ctx context.Context, address models.Address, state models.RegisteredState) error
	SetUnidentifiedAccessMode(ctx context.Context, address models.Address, mode models.UnidentifiedAccessMode) error
	SetProfileKey(ctx context.Context, address models.Address, profileKey []byte) error
	SetRecipientExpiresIn(ctx context.Context, address models.Address, expiresInMs int64) error
}

// Notifier is the user-facing notification sink. Fire-and-forget.
type Notifier interface {
	NotifyDeliveryFailed(ctx context.Context, recipient *models.Recipient, threadID int64)
}

// Preferences exposes the user-controlled settings the delivery path
// consults.
type Preferences interface {
	LocalAddress() models.Address
	ReadReceiptsEnabled() bool
	UnidentifiedDeliveryEnabled() bool
}

// Clock abstracts time for testing. Implementations may return local
// wall-clock time or network-synchronized time.
type Clock interface {
	NowMillis() int64
}

// SystemClock returns local wall-clock time.
type SystemClock struct{}

func (SystemClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// StaticPreferences is the config-backed Preferences implementation.
type StaticPreferences struct {
	Local                models.Address
	ReadReceipts         bool
	UnidentifiedDelivery bool
}

func (p StaticPreferences) LocalAddress() models.Address { return p.Local }

func (p StaticPreferences) ReadReceiptsEnabled() bool { return p.ReadReceipts }

func (p StaticPreferences) UnidentifiedDeliveryEnabled() bool { return p.UnidentifiedDelivery }
