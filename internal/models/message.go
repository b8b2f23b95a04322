package models

import "time"

type MessageStatus string

const (
	MessageStatusPending         MessageStatus = "pending"
	MessageStatusSent            MessageStatus = "sent"
	MessageStatusFailed          MessageStatus = "failed"
	MessageStatusPendingFallback MessageStatus = "pending_fallback"
)

// IsTerminal reports whether no further send attempt should occur
// without explicit user action.
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusSent || s == MessageStatusFailed
}

// MessageRecord is a stored message row. Timestamps are epoch
// milliseconds. ExpiresIn of 0 means the message never expires;
// ExpireStarted <= 0 means a configured timer has not been armed yet.
type MessageRecord struct {
	ID                 int64         `json:"id"`
	ThreadID           int64         `json:"threadId"`
	Address            Address       `json:"address"`
	Body               string        `json:"body"`
	Outgoing           bool          `json:"outgoing"`
	SentAt             int64         `json:"sentAt"`
	ExpiresIn          int64         `json:"expiresIn"`
	ExpireStarted      int64         `json:"expireStarted"`
	Status             MessageStatus `json:"status"`
	IsGroup            bool          `json:"isGroup"`
	Unidentified       bool          `json:"unidentified"`
	Read               bool          `json:"read"`
	DeliveryReceipts   int           `json:"deliveryReceipts"`
	ReadReceipts       int           `json:"readReceipts"`
	ReceiptReceivedAt  int64         `json:"receiptReceivedAt"`
	MismatchedIdentity *string       `json:"mismatchedIdentity,omitempty"`
	ErrorMessage       *string       `json:"errorMessage,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

func (m *MessageRecord) IsPending() bool {
	return m.Status == MessageStatusPending
}

func (m *MessageRecord) IsFailed() bool {
	return m.Status == MessageStatusFailed
}

func (m *MessageRecord) SyncMessageID() SyncMessageID {
	return SyncMessageID{Address: m.Address, Timestamp: m.SentAt}
}

func (m *MessageRecord) ExpirationInfo() ExpirationInfo {
	return ExpirationInfo{
		ID:            m.ID,
		IsGroup:       m.IsGroup,
		ExpiresIn:     m.ExpiresIn,
		ExpireStarted: m.ExpireStarted,
	}
}

// ExpirationInfo is the projection of a message row the expiration
// machinery works with.
type ExpirationInfo struct {
	ID            int64 `json:"id"`
	IsGroup       bool  `json:"isGroup"`
	ExpiresIn     int64 `json:"expiresIn"`
	ExpireStarted int64 `json:"expireStarted"`
}

// Pending reports whether a timer is configured but not yet armed.
func (e ExpirationInfo) Pending() bool {
	return e.ExpiresIn > 0 && e.ExpireStarted <= 0
}

// Armed reports whether the timer has started counting down.
func (e ExpirationInfo) Armed() bool {
	return e.ExpiresIn > 0 && e.ExpireStarted > 0
}

// Deadline returns the epoch-millisecond instant the message is due for
// deletion. Only meaningful when Armed.
func (e ExpirationInfo) Deadline() int64 {
	return e.ExpireStarted + e.ExpiresIn
}

// MarkedMessageInfo is produced for each message affected by a
// "mark conversation read" action.
type MarkedMessageInfo struct {
	SyncMessageID  SyncMessageID  `json:"syncMessageId"`
	ExpirationInfo ExpirationInfo `json:"expirationInfo"`
}

// JobParameters identify one unit of send work. TemplateMessageID
// locates the content being (re-)sent; MessageID is the row to mark
// sent or failed and may be -1 when there is no local row to update,
// as for a pure sync copy; Destination is the actual delivery target,
// which differs from the template's recipient for linked-device resends.
type JobParameters struct {
	TemplateMessageID int64   `json:"templateMessageId"`
	MessageID         int64   `json:"messageId"`
	Destination       Address `json:"destination"`
}
