package transport

import (
	"context"
	"errors"
	"fmt"

	"courier/internal/models"
)

// Payload is one outbound content message. SyncTarget is set only on
// self-sync copies and names the conversation the copy belongs to on
// the user's other devices.
type Payload struct {
	Timestamp  int64  `json:"timestamp"`
	Body       string `json:"body"`
	ExpiresIn  int64  `json:"expiresIn,omitempty"`
	ProfileKey []byte `json:"profileKey,omitempty"`
	SyncTarget string `json:"syncTarget,omitempty"`
}

// ReadReceiptMessage acknowledges a set of messages as read, identified
// by their sent timestamps.
type ReadReceiptMessage struct {
	Timestamps []int64 `json:"timestamps"`
	SentAt     int64   `json:"sentAt"`
}

// SendResult reports a successful delivery. Unidentified is true when
// the transport accepted the send without learning the sender identity.
type SendResult struct {
	Unidentified bool `json:"unidentified"`
}

// Client is the delivery side of the message service.
type Client interface {
	// Deliver sends one payload to one destination. accessKey is the
	// sealed-sender credential, empty for an identified send. Errors are
	// one of ErrUnregistered, *UntrustedIdentityError, *APIError, or an
	// undifferentiated I/O error meaning "retry later".
	Deliver(ctx context.Context, payload Payload, destination models.Address, accessKey string) (*SendResult, error)

	// SendReadReceipt delivers one read receipt to one destination.
	SendReadReceipt(ctx context.Context, receipt ReadReceiptMessage, destination models.Address) error
}

// ErrUnregistered indicates the destination cannot receive this message
// type; an insecure fallback requires explicit approval.
var ErrUnregistered = errors.New("recipient is not registered")

// UntrustedIdentityError indicates the destination's identity key no
// longer matches what was pinned.
type UntrustedIdentityError struct {
	Address     models.Address
	IdentityKey string
}

func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("untrusted identity for %s", e.Address)
}

// APIError is a structured failure reported by the message service.
type APIError struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transport error %d: %s", e.Code, e.Description)
}
