package service

import (
	"context"
	"encoding/json"

	apperrors "courier/internal/errors"
	"courier/internal/models"
)

// wireContent mirrors the JSON the protocol layer emits once it has
// opened an envelope.
type wireContent struct {
	Body                  string  `json:"body,omitempty"`
	Timestamp             int64   `json:"timestamp"`
	ExpiresInMs           int64   `json:"expires_in_ms,omitempty"`
	ProfileKey            []byte  `json:"profile_key,omitempty"`
	ExpirationTimerUpdate bool    `json:"expiration_timer_update,omitempty"`
	ReadTimestamps        []int64 `json:"read_timestamps,omitempty"`
}

// JSONContentDecryptor decodes envelope content the session protocol
// layer has already opened into plaintext JSON. Deployments with an
// in-process protocol stack supply their own Decryptor instead.
type JSONContentDecryptor struct{}

func (JSONContentDecryptor) Decrypt(ctx context.Context, envelope models.Envelope) (*DataContent, error) {
	var wc wireContent
	if err := json.Unmarshal(envelope.Content, &wc); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "failed to decode envelope content")
	}

	return &DataContent{
		Body:                  wc.Body,
		Timestamp:             wc.Timestamp,
		ExpiresIn:             wc.ExpiresInMs,
		ProfileKey:            wc.ProfileKey,
		ExpirationTimerUpdate: wc.ExpirationTimerUpdate,
		ReadTimestamps:        wc.ReadTimestamps,
	}, nil
}
