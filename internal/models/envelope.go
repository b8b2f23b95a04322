package models

// EnvelopeType classifies an inbound, still-encrypted transport payload.
type EnvelopeType string

const (
	EnvelopeTypeReceipt       EnvelopeType = "receipt"
	EnvelopeTypePreKeyMessage EnvelopeType = "prekey_message"
	EnvelopeTypeMessage       EnvelopeType = "message"
	EnvelopeTypeUnidentified  EnvelopeType = "unidentified_sender"
	EnvelopeTypeFallback      EnvelopeType = "fallback"
	EnvelopeTypeClosedGroup   EnvelopeType = "closed_group_ciphertext"
)

// IsMessage reports whether the envelope carries message content that
// must go through the decryption/handling path.
func (t EnvelopeType) IsMessage() bool {
	switch t {
	case EnvelopeTypePreKeyMessage, EnvelopeTypeMessage, EnvelopeTypeUnidentified,
		EnvelopeTypeFallback, EnvelopeTypeClosedGroup:
		return true
	}
	return false
}

// Envelope is one inbound transport payload plus its metadata. Content
// is opaque to this subsystem; the dispatcher only routes it.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	Source    Address      `json:"source,omitempty"`
	Timestamp int64        `json:"timestamp"`
	Content   []byte       `json:"content,omitempty"`
}

func (e *Envelope) HasSource() bool {
	return !e.Source.IsEmpty()
}
