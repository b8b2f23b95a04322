package models

import "time"

// UnidentifiedAccessMode is the inferred sealed-sender capability of a
// recipient. Unknown is the initial state before any successful or
// failed metadata-hidden send has been observed.
type UnidentifiedAccessMode string

const (
	UnidentifiedAccessUnknown      UnidentifiedAccessMode = "unknown"
	UnidentifiedAccessUnrestricted UnidentifiedAccessMode = "unrestricted"
	UnidentifiedAccessEnabled      UnidentifiedAccessMode = "enabled"
	UnidentifiedAccessDisabled     UnidentifiedAccessMode = "disabled"
)

type RegisteredState string

const (
	RegisteredStateUnknown       RegisteredState = "unknown"
	RegisteredStateRegistered    RegisteredState = "registered"
	RegisteredStateNotRegistered RegisteredState = "not_registered"
)

// Recipient is the stored per-participant state this subsystem reads
// and updates. ExpiresIn is the conversation's disappearing-message
// duration applied to newly composed messages.
type Recipient struct {
	Address    Address                `json:"address"`
	Registered RegisteredState        `json:"registered"`
	AccessMode UnidentifiedAccessMode `json:"accessMode"`
	ProfileKey []byte                 `json:"profileKey,omitempty"`
	Blocked    bool                   `json:"blocked"`
	IsGroup    bool                   `json:"isGroup"`
	ExpiresIn  int64                  `json:"expiresIn"`
	CachedAt   time.Time              `json:"cachedAt"`
}
