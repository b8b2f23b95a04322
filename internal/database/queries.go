package database

import (
	"context"
	"database/sql"
	"fmt"

	"courier/internal/models"
)

// Thread operations

// EnsureThread resolves the conversation thread for an address,
// creating it on first use.
func (d *Database) EnsureThread(ctx context.Context, address models.Address) (int64, error) {
	encryptedAddress, err := d.encryptor.EncryptForLookupIfEnabled(address.String())
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt address: %w", err)
	}

	var id int64
	err = d.db.QueryRowContext(ctx, `SELECT id FROM threads WHERE address = ?`, encryptedAddress).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to look up thread: %w", err)
	}

	var result sql.Result
	err = withWriteRetry(ctx, func() error {
		var execErr error
		result, execErr = d.db.ExecContext(ctx, `INSERT INTO threads (address) VALUES (?)`, encryptedAddress)
		return execErr
	}, "insert thread")
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetThreadRecipient resolves the recipient owning a thread, or
// (nil, nil) when the thread no longer exists.
func (d *Database) GetThreadRecipient(ctx context.Context, threadID int64) (*models.Recipient, error) {
	var encryptedAddress string
	err := d.db.QueryRowContext(ctx, `SELECT address FROM threads WHERE id = ?`, threadID).Scan(&encryptedAddress)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up thread recipient: %w", err)
	}

	address, err := d.encryptor.DecryptIfEnabled(encryptedAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt address: %w", err)
	}

	return d.EnsureRecipient(ctx, models.Address(address))
}

// Recipient operations

func (d *Database) scanRecipient(row *sql.Row) (*models.Recipient, error) {
	var encryptedAddress string
	recipient := &models.Recipient{}

	err := row.Scan(
		&encryptedAddress,
		&recipient.Registered,
		&recipient.AccessMode,
		&recipient.ProfileKey,
		&recipient.Blocked,
		&recipient.IsGroup,
		&recipient.ExpiresIn,
		&recipient.CachedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan recipient: %w", err)
	}

	address, err := d.encryptor.DecryptIfEnabled(encryptedAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt address: %w", err)
	}
	recipient.Address = models.Address(address)
	return recipient, nil
}

const recipientColumns = `address, registered, access_mode, profile_key, blocked, is_group, expires_in_ms, cached_at`

// GetRecipient returns the stored recipient, or (nil, nil) when the
// address has never been seen.
func (d *Database) GetRecipient(ctx context.Context, address models.Address) (*models.Recipient, error) {
	encryptedAddress, err := d.encryptor.EncryptForLookupIfEnabled(address.String())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt address: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM recipients WHERE address = ?`, recipientColumns)
	return d.scanRecipient(d.db.QueryRowContext(ctx, query, encryptedAddress))
}

// EnsureRecipient resolves an address to its recipient row, creating a
// default row on first contact.
func (d *Database) EnsureRecipient(ctx context.Context, address models.Address) (*models.Recipient, error) {
	recipient, err := d.GetRecipient(ctx, address)
	if err != nil {
		return nil, err
	}
	if recipient != nil {
		return recipient, nil
	}

	encryptedAddress, err := d.encryptor.EncryptForLookupIfEnabled(address.String())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt address: %w", err)
	}

	err = withWriteRetry(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO recipients (address) VALUES (?)`, encryptedAddress)
		return execErr
	}, "insert recipient")
	if err != nil {
		return nil, err
	}

	return d.GetRecipient(ctx, address)
}

func (d *Database) updateRecipient(ctx context.Context, address models.Address, column string, value interface{}, operationName string) error {
	if _, err := d.EnsureRecipient(ctx, address); err != nil {
		return err
	}

	encryptedAddress, err := d.encryptor.EncryptForLookupIfEnabled(address.String())
	if err != nil {
		return fmt.Errorf("failed to encrypt address: %w", err)
	}

	query := fmt.Sprintf(`UPDATE recipients SET %s = ? WHERE address = ?`, column)
	return withWriteRetry(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, query, value, encryptedAddress)
		return execErr
	}, operationName)
}

func (d *Database) SetRegistered(ctx context.Context, address models.Address, state models.RegisteredState) error {
	return d.updateRecipient(ctx, address, "registered", state, "set registered")
}

func (d *Database) SetUnidentifiedAccessMode(ctx context.Context, address models.Address, mode models.UnidentifiedAccessMode) error {
	return d.updateRecipient(ctx, address, "access_mode", mode, "set access mode")
}

func (d *Database) SetProfileKey(ctx context.Context, address models.Address, profileKey []byte) error {
	return d.updateRecipient(ctx, address, "profile_key", profileKey, "set profile key")
}

// SetRecipientExpiresIn stores the conversation's disappearing-message
// duration, applied to newly composed messages.
func (d *Database) SetRecipientExpiresIn(ctx context.Context, address models.Address, expiresInMs int64) error {
	return d.updateRecipient(ctx, address, "expires_in_ms", expiresInMs, "set expires in")
}

func (d *Database) SetBlocked(ctx context.Context, address models.Address, blocked bool) error {
	return d.updateRecipient(ctx, address, "blocked", blocked, "set blocked")
}
