package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"courier/internal/migrations"
	"courier/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the sqlite-backed message and recipient store. Address
// columns are encrypted deterministically so they remain usable in
// WHERE clauses; bodies use randomized encryption.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		closeDB(db)
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		closeDB(db)
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{db: db, encryptor: encryptor}, nil
}

func closeDB(db *sql.DB) {
	_ = db.Close()
}

func (d *Database) Close() error {
	return d.db.Close()
}

const messageColumns = `id, thread_id, address, body, outgoing, sent_at_ms, expires_in_ms,
	expire_started_ms, status, is_group, unidentified, read, delivery_receipts,
	read_receipts, receipt_received_at_ms, mismatched_identity, error_message, created_at, updated_at`

func (d *Database) scanMessage(row interface{ Scan(...interface{}) error }) (*models.MessageRecord, error) {
	var encryptedAddress, encryptedBody string
	msg := &models.MessageRecord{}

	err := row.Scan(
		&msg.ID,
		&msg.ThreadID,
		&encryptedAddress,
		&encryptedBody,
		&msg.Outgoing,
		&msg.SentAt,
		&msg.ExpiresIn,
		&msg.ExpireStarted,
		&msg.Status,
		&msg.IsGroup,
		&msg.Unidentified,
		&msg.Read,
		&msg.DeliveryReceipts,
		&msg.ReadReceipts,
		&msg.ReceiptReceivedAt,
		&msg.MismatchedIdentity,
		&msg.ErrorMessage,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	address, err := d.encryptor.DecryptIfEnabled(encryptedAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt address: %w", err)
	}
	msg.Address = models.Address(address)

	msg.Body, err = d.encryptor.DecryptIfEnabled(encryptedBody)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt body: %w", err)
	}

	return msg, nil
}

// InsertMessage stores a newly composed or received message, creating
// the owning thread on first contact with the address. The row starts
// in pending status for outgoing messages.
func (d *Database) InsertMessage(ctx context.Context, msg *models.MessageRecord) (int64, error) {
	threadID, err := d.EnsureThread(ctx, msg.Address)
	if err != nil {
		return 0, err
	}

	encryptedAddress, err := d.encryptor.EncryptForLookupIfEnabled(msg.Address.String())
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt address: %w", err)
	}

	encryptedBody, err := d.encryptor.EncryptIfEnabled(msg.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt body: %w", err)
	}

	if msg.Status == "" {
		msg.Status = models.MessageStatusPending
	}

	query := `
		INSERT INTO messages (
			thread_id, address, body, outgoing, sent_at_ms, expires_in_ms,
			expire_started_ms, status, is_group, read
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var result sql.Result
	err = withWriteRetry(ctx, func() error {
		var execErr error
		result, execErr = d.db.ExecContext(ctx, query,
			threadID, encryptedAddress, encryptedBody, msg.Outgoing, msg.SentAt,
			msg.ExpiresIn, msg.ExpireStarted, msg.Status, msg.IsGroup, msg.Read)
		return execErr
	}, "insert message")
	if err != nil {
		return 0, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get inserted message id: %w", err)
	}
	msg.ID = id
	msg.ThreadID = threadID
	return id, nil
}

// GetMessage returns the message row, or (nil, nil) when it no longer
// exists.
func (d *Database) GetMessage(ctx context.Context, id int64) (*models.MessageRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE id = ?`, messageColumns)
	return d.scanMessage(d.db.QueryRowContext(ctx, query, id))
}

// GetMessageBySyncID correlates a receipt back to the outgoing message
// it acknowledges.
func (d *Database) GetMessageBySyncID(ctx context.Context, syncID models.SyncMessageID) (*models.MessageRecord, error) {
	encryptedAddress, err := d.encryptor.EncryptForLookupIfEnabled(syncID.Address.String())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt address: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM messages WHERE address = ? AND sent_at_ms = ? AND outgoing = 1`, messageColumns)
	return d.scanMessage(d.db.QueryRowContext(ctx, query, encryptedAddress, syncID.Timestamp))
}

func (d *Database) setStatus(ctx context.Context, id int64, status models.MessageStatus) error {
	return withWriteRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, status, id)
		return err
	}, fmt.Sprintf("mark message %s", status))
}

func (d *Database) MarkSent(ctx context.Context, id int64) error {
	return d.setStatus(ctx, id, models.MessageStatusSent)
}

func (d *Database) MarkSentFailed(ctx context.Context, id int64) error {
	return d.setStatus(ctx, id, models.MessageStatusFailed)
}

func (d *Database) MarkPendingInsecureFallback(ctx context.Context, id int64) error {
	return d.setStatus(ctx, id, models.MessageStatusPendingFallback)
}

func (d *Database) MarkUnidentified(ctx context.Context, id int64, unidentified bool) error {
	return withWriteRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, `UPDATE messages SET unidentified = ? WHERE id = ?`, unidentified, id)
		return err
	}, "mark unidentified")
}

// SetMismatchedIdentity records the offending identity key observed
// during an untrusted-identity failure.
func (d *Database) SetMismatchedIdentity(ctx context.Context, id int64, identityKey string) error {
	return withWriteRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, `UPDATE messages SET mismatched_identity = ? WHERE id = ?`, identityKey, id)
		return err
	}, "set mismatched identity")
}

// SetErrorMessage persists a transport-reported failure description.
func (d *Database) SetErrorMessage(ctx context.Context, id int64, description string) error {
	return withWriteRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, `UPDATE messages SET error_message = ? WHERE id = ?`, description, id)
		return err
	}, "set error message")
}

// MarkExpireStarted arms the expiration timer. The transition is
// one-way: a row whose timer already started is left untouched, and the
// stored (possibly pre-existing) start time is returned.
func (d *Database) MarkExpireStarted(ctx context.Context, id int64, startedAtMs int64) (int64, error) {
	err := withWriteRetry(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx,
			`UPDATE messages SET expire_started_ms = ? WHERE id = ? AND expire_started_ms <= 0`,
			startedAtMs, id)
		return execErr
	}, "mark expire started")
	if err != nil {
		return 0, err
	}

	var stored int64
	err = d.db.QueryRowContext(ctx, `SELECT expire_started_ms FROM messages WHERE id = ?`, id).Scan(&stored)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read expire start: %w", err)
	}
	return stored, nil
}

func (d *Database) incrementReceiptCount(ctx context.Context, column string, syncID models.SyncMessageID, receivedAtMs int64) error {
	encryptedAddress, err := d.encryptor.EncryptForLookupIfEnabled(syncID.Address.String())
	if err != nil {
		return fmt.Errorf("failed to encrypt address: %w", err)
	}

	query := fmt.Sprintf(
		`UPDATE messages SET %s = %s + 1, receipt_received_at_ms = ? WHERE address = ? AND sent_at_ms = ? AND outgoing = 1`,
		column, column)

	return withWriteRetry(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, query, receivedAtMs, encryptedAddress, syncID.Timestamp)
		return execErr
	}, "increment "+column)
}

// IncrementDeliveryReceiptCount bumps the delivery counter for the
// message a receipt refers to and records when the receipt arrived. A
// receipt for an unknown message is a silent no-op; receipts can
// outlive their messages.
func (d *Database) IncrementDeliveryReceiptCount(ctx context.Context, syncID models.SyncMessageID, receivedAtMs int64) error {
	return d.incrementReceiptCount(ctx, "delivery_receipts", syncID, receivedAtMs)
}

func (d *Database) IncrementReadReceiptCount(ctx context.Context, syncID models.SyncMessageID, receivedAtMs int64) error {
	return d.incrementReceiptCount(ctx, "read_receipts", syncID, receivedAtMs)
}

// GetMessagesWithArmedTimers returns the expiration projection of every
// message whose timer has started.
func (d *Database) GetMessagesWithArmedTimers(ctx context.Context) ([]models.ExpirationInfo, error) {
	query := `
		SELECT id, is_group, expires_in_ms, expire_started_ms
		FROM messages
		WHERE expires_in_ms > 0 AND expire_started_ms > 0
	`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query armed timers: %w", err)
	}
	defer rows.Close()

	var infos []models.ExpirationInfo
	for rows.Next() {
		var info models.ExpirationInfo
		if err := rows.Scan(&info.ID, &info.IsGroup, &info.ExpiresIn, &info.ExpireStarted); err != nil {
			return nil, fmt.Errorf("failed to scan expiration info: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (d *Database) DeleteMessage(ctx context.Context, id int64) error {
	return withWriteRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
		return err
	}, "delete message")
}

// MarkThreadRead flags every unread inbound message in the thread as
// read and returns the information the read-receipt aggregator needs
// for each of them, in sent order.
func (d *Database) MarkThreadRead(ctx context.Context, threadID int64, readAtMs int64) ([]models.MarkedMessageInfo, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages
		WHERE thread_id = ? AND outgoing = 0 AND read = 0 AND sent_at_ms <= ?
		ORDER BY sent_at_ms ASC`, messageColumns)

	rows, err := d.db.QueryContext(ctx, query, threadID, readAtMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query unread messages: %w", err)
	}
	defer rows.Close()

	var marked []models.MarkedMessageInfo
	var ids []int64
	for rows.Next() {
		msg, err := d.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		marked = append(marked, models.MarkedMessageInfo{
			SyncMessageID:  msg.SyncMessageID(),
			ExpirationInfo: msg.ExpirationInfo(),
		})
		ids = append(ids, msg.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		err := withWriteRetry(ctx, func() error {
			_, execErr := d.db.ExecContext(ctx, `UPDATE messages SET read = 1 WHERE id = ?`, id)
			return execErr
		}, "mark read")
		if err != nil {
			return nil, err
		}
	}

	return marked, nil
}
