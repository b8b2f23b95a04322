package service

import (
	"context"
	"fmt"
	"testing"

	apperrors "courier/internal/errors"
	"courier/internal/models"
	"courier/pkg/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testLocalAddress = models.Address("05aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa01")
	testPeerAddress  = models.Address("05bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb02")
	testOtherAddress = models.Address("05cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc03")
	testThirdAddress = models.Address("05dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd04")
)

func testPrefs() StaticPreferences {
	return StaticPreferences{
		Local:                testLocalAddress,
		ReadReceipts:         true,
		UnidentifiedDelivery: true,
	}
}

type sendJobFixture struct {
	storage  *fakeStorage
	client   *fakeTransport
	expirer  *recordingExpirer
	notifier *recordingNotifier
	clock    *fakeClock
	prefs    StaticPreferences
}

func newSendJobFixture() *sendJobFixture {
	return &sendJobFixture{
		storage:  newFakeStorage(),
		client:   &fakeTransport{},
		expirer:  &recordingExpirer{},
		notifier: &recordingNotifier{},
		clock:    &fakeClock{now: 1_700_000_000_000},
		prefs:    testPrefs(),
	}
}

func (f *sendJobFixture) job(params models.JobParameters) *SendJob {
	return NewSendJob(params, f.storage, f.client, f.expirer, f.notifier, f.prefs, f.clock, testLogger())
}

func (f *sendJobFixture) pendingMessage(address models.Address) *models.MessageRecord {
	return f.storage.addMessage(&models.MessageRecord{
		ThreadID: 7,
		Address:  address,
		Body:     "hello",
		Outgoing: true,
		SentAt:   1_699_999_999_000,
		Status:   models.MessageStatusPending,
	})
}

func TestSendJobSuccess(t *testing.T) {
	f := newSendJobFixture()
	msg := f.pendingMessage(testPeerAddress)

	job := f.job(models.JobParameters{TemplateMessageID: msg.ID, MessageID: msg.ID, Destination: testPeerAddress})
	err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{msg.ID}, f.storage.sentMarked)

	// Primary delivery plus the sync copy to our own devices.
	require.Equal(t, 2, f.client.deliveryCount())
	assert.Equal(t, testPeerAddress, f.client.deliveries[0].destination)
	assert.Empty(t, f.client.deliveries[0].payload.SyncTarget)
	assert.Equal(t, testLocalAddress, f.client.deliveries[1].destination)
	assert.Equal(t, testPeerAddress.String(), f.client.deliveries[1].payload.SyncTarget)
	assert.Equal(t, msg.Body, f.client.deliveries[0].payload.Body)
	assert.Equal(t, msg.SentAt, f.client.deliveries[0].payload.Timestamp)
}

func TestSendJobAlreadySentIsIgnored(t *testing.T) {
	f := newSendJobFixture()
	msg := f.storage.addMessage(&models.MessageRecord{
		Address:  testPeerAddress,
		Outgoing: true,
		Status:   models.MessageStatusSent,
	})

	job := f.job(models.JobParameters{TemplateMessageID: msg.ID, MessageID: msg.ID, Destination: testPeerAddress})
	err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, f.client.deliveryCount())
	assert.Empty(t, f.storage.sentMarked)
}

func TestSendJobResendToOtherDeviceRunsDespiteTerminalStatus(t *testing.T) {
	f := newSendJobFixture()
	msg := f.storage.addMessage(&models.MessageRecord{
		Address:  testPeerAddress,
		Outgoing: true,
		SentAt:   1_699_999_999_000,
		Status:   models.MessageStatusSent,
	})

	// A different destination means this is a linked-device resend, so
	// the already-sent guard must not apply.
	job := f.job(models.JobParameters{TemplateMessageID: msg.ID, MessageID: -1, Destination: testOtherAddress})
	err := job.Run(context.Background())
	require.NoError(t, err)

	assert.NotZero(t, f.client.deliveryCount())
	// MessageID -1: no local row to update.
	assert.Empty(t, f.storage.sentMarked)
}

func TestSendJobMissingTemplate(t *testing.T) {
	f := newSendJobFixture()

	job := f.job(models.JobParameters{TemplateMessageID: 99, MessageID: 99, Destination: testPeerAddress})
	err := job.Run(context.Background())

	require.Error(t, err)
	assert.False(t, apperrors.IsRetryable(err))
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
}

func TestSendJobSelfSend(t *testing.T) {
	f := newSendJobFixture()
	msg := f.pendingMessage(testLocalAddress)

	job := f.job(models.JobParameters{TemplateMessageID: msg.ID, MessageID: msg.ID, Destination: testLocalAddress})
	err := job.Run(context.Background())
	require.NoError(t, err)

	// No separate sync copy when the destination is ourselves.
	assert.Equal(t, 1, f.client.deliveryCount())

	// A note-to-self is trivially delivered and read.
	syncID := models.SyncMessageID{Address: testLocalAddress, Timestamp: msg.SentAt}
	assert.Equal(t, []models.SyncMessageID{syncID}, f.storage.deliveryIncrements)
	assert.Equal(t, []models.SyncMessageID{syncID}, f.storage.readIncrements)
}

func TestSendJobSyncCopyFailureDoesNotFailSend(t *testing.T) {
	f := newSendJobFixture()
	msg := f.pendingMessage(testPeerAddress)

	f.client.deliverFn = func(call deliverCall) (*transport.SendResult, error) {
		if call.destination == testLocalAddress {
			return nil, fmt.Errorf("connection reset")
		}
		return &transport.SendResult{}, nil
	}

	job := f.job(models.JobParameters{TemplateMessageID: msg.ID, MessageID: msg.ID, Destination: testPeerAddress})
	err := job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []int64{msg.ID}, f.storage.sentMarked)
}

func TestSendJobArmsExpirationTimer(t *testing.T) {
	f := newSendJobFixture()
	msg := f.pendingMessage(testPeerAddress)
	msg.ExpiresIn = 60_000

	job := f.job(models.JobParameters{TemplateMessageID: msg.ID, MessageID: msg.ID, Destination: testPeerAddress})
	err := job.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, f.expirer.calls, 1)
	call := f.expirer.calls[0]
	assert.Equal(t, msg.ID, call.id)
	assert.Equal(t, f.clock.now, call.startedAtMs)
	assert.Equal(t, int64(60_000), call.expiresInMs)
}

func TestSendJobArmsLocalRowOnLinkedDeviceResend(t *testing.T) {
	f := newSendJobFixture()
	template := f.pendingMessage(testPeerAddress)
	template.ExpiresIn = 60_000
	local := f.pendingMessage(testOtherAddress)
	local.ExpiresIn = 60_000

	// Resend to another device keeps its own local row; the timer must
	// be armed and tracked under that row, not the template.
	job := f.job(models.JobParameters{TemplateMessageID: template.ID, MessageID: local.ID, Destination: testOtherAddress})
	err := job.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, f.expirer.calls, 1)
	assert.Equal(t, local.ID, f.expirer.calls[0].id)
	assert.Equal(t, f.clock.now, local.ExpireStarted)
	assert.LessOrEqual(t, template.ExpireStarted, int64(0))
}

func TestSendJobExpirationStartIsStable(t *testing.T) {
	f := newSendJobFixture()
	msg := f.pendingMessage(testPeerAddress)
	msg.ExpiresIn = 60_000
	msg.ExpireStarted = 1_600_000_000_000 // armed by an earlier attempt

	job := f.job(models.JobParameters{TemplateMessageID: msg.ID, MessageID: msg.ID, Destination: testPeerAddress})
	err := job.Run(context.Background())
	require.NoError(t, err)

	// The stored start time wins over the current clock.
	require.Len(t, f.expirer.calls, 1)
	assert.Equal(t, int64(1_600_000_000_000), f.expirer.calls[0].startedAtMs)
}

func TestSendJobUnregisteredRecipient(t *testing.T) {
	f := newSendJobFixture()
	msg := f.pendingMessage(testPeerAddress)
	f.storage.threads[msg.ThreadID] = &models.Recipient{Address: testPeerAddress}

	f.client.deliverFn = func(call deliverCall) (*transport.SendResult, error) {
		return nil, transport.ErrUnregistered
	}

	job := f.job(models.JobParameters{TemplateMessageID: msg.ID, MessageID: msg.ID, Destination: testPeerAddress})
	err := job.Run(context.Background())

	// Terminal failure: resolved locally, nothing for the runner to retry.
	require.NoError(t, err)
	assert.Equal(t, []int64{msg.ID}, f.storage.fallbackMarked)
	assert.Empty(t, f.storage.failedMarked)

	require.Len(t, f.notifier.calls, 1)
	assert.Equal(t, msg.ThreadID, f.notifier.calls[0].threadID)
}

func TestSendJobUntrustedIdentity(t *testing.T) {
	f := newSendJobFixture()
	msg := f.pendingMessage(testPeerAddress)

	f.client.deliverFn = func(call deliverCall) (*transport.SendResult, error) {
		return nil, &transport.UntrustedIdentityError{Address: testPeerAddress, IdentityKey: "new-key"}
	}

	job := f.job(models.JobParameters{TemplateMessageID: msg.ID, MessageID: msg.ID, Destination: testPeerAddress})
	err := job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "new-key", f.storage.identityMismatches[msg.ID])
	assert.Equal(t, []int64{msg.ID}, f.storage.failedMarked)
	// Identity conflicts surface through the conversation, not a
	// failure notification.
	assert.Empty(t, f.notifier.calls)
}

func TestSendJobAPIError(t *testing.T) {
	f := newSendJobFixture()
	msg := f.pendingMessage(testPeerAddress)

	f.client.deliverFn = func(call deliverCall) (*transport.SendResult, error) {
		return nil, &transport.APIError{Code: 413, Description: "rate limited"}
	}

	job := f.job(models.JobParameters{TemplateMessageID: msg.ID, MessageID: msg.ID, Destination: testPeerAddress})
	err := job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "rate limited", f.storage.errorMessages[msg.ID])
	assert.Equal(t, []int64{msg.ID}, f.storage.failedMarked)
}

func TestSendJobNetworkErrorIsRetryable(t *testing.T) {
	f := newSendJobFixture()
	msg := f.pendingMessage(testPeerAddress)

	f.client.deliverFn = func(call deliverCall) (*transport.SendResult, error) {
		return nil, fmt.Errorf("dial tcp: i/o timeout")
	}

	job := f.job(models.JobParameters{TemplateMessageID: msg.ID, MessageID: msg.ID, Destination: testPeerAddress})
	err := job.Run(context.Background())

	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, apperrors.ErrCodeNetworkIO, apperrors.GetCode(err))
	// Nothing was resolved: the runner owns the retry.
	assert.Empty(t, f.storage.failedMarked)
	assert.Empty(t, f.storage.sentMarked)
}

func TestSendJobAccessModeTransitions(t *testing.T) {
	profileKey := []byte{0x01, 0x02, 0x03}

	tests := []struct {
		name         string
		prior        models.UnidentifiedAccessMode
		profileKey   []byte
		unidentified bool
		want         models.UnidentifiedAccessMode
	}{
		{"unknown, no key, sealed accepted", models.UnidentifiedAccessUnknown, nil, true, models.UnidentifiedAccessUnrestricted},
		{"unknown, key, sealed accepted", models.UnidentifiedAccessUnknown, profileKey, true, models.UnidentifiedAccessEnabled},
		{"unknown, identified delivery", models.UnidentifiedAccessUnknown, nil, false, models.UnidentifiedAccessDisabled},
		{"enabled, identified delivery", models.UnidentifiedAccessEnabled, profileKey, false, models.UnidentifiedAccessDisabled},
		{"unrestricted, identified delivery", models.UnidentifiedAccessUnrestricted, nil, false, models.UnidentifiedAccessDisabled},
		{"enabled stays enabled", models.UnidentifiedAccessEnabled, profileKey, true, models.UnidentifiedAccessEnabled},
		{"unrestricted stays unrestricted", models.UnidentifiedAccessUnrestricted, nil, true, models.UnidentifiedAccessUnrestricted},
		{"disabled stays disabled on sealed success", models.UnidentifiedAccessDisabled, profileKey, true, models.UnidentifiedAccessDisabled},
		{"disabled stays disabled on identified", models.UnidentifiedAccessDisabled, nil, false, models.UnidentifiedAccessDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSendJobFixture()
			msg := f.pendingMessage(testPeerAddress)
			f.storage.addRecipient(&models.Recipient{
				Address:    testPeerAddress,
				AccessMode: tt.prior,
				ProfileKey: tt.profileKey,
			})
			f.client.deliverFn = func(call deliverCall) (*transport.SendResult, error) {
				return &transport.SendResult{Unidentified: tt.unidentified}, nil
			}

			job := f.job(models.JobParameters{TemplateMessageID: msg.ID, MessageID: msg.ID, Destination: testPeerAddress})
			require.NoError(t, job.Run(context.Background()))

			assert.Equal(t, tt.want, f.storage.accessModeOf(testPeerAddress))
		})
	}
}

func TestSendJobAccessModeFrozenWhenPreferenceDisabled(t *testing.T) {
	f := newSendJobFixture()
	f.prefs.UnidentifiedDelivery = false
	msg := f.pendingMessage(testPeerAddress)
	f.storage.addRecipient(&models.Recipient{
		Address:    testPeerAddress,
		AccessMode: models.UnidentifiedAccessEnabled,
	})
	f.client.deliverFn = func(call deliverCall) (*transport.SendResult, error) {
		return &transport.SendResult{Unidentified: false}, nil
	}

	job := f.job(models.JobParameters{TemplateMessageID: msg.ID, MessageID: msg.ID, Destination: testPeerAddress})
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, models.UnidentifiedAccessEnabled, f.storage.accessModeOf(testPeerAddress))
	// All deliveries run identified while the preference is off.
	for _, call := range f.client.deliveries {
		assert.Empty(t, call.accessKey)
	}
}

func TestSendJobCancel(t *testing.T) {
	t.Run("notifies when conversation resolves", func(t *testing.T) {
		f := newSendJobFixture()
		msg := f.pendingMessage(testPeerAddress)
		f.storage.threads[msg.ThreadID] = &models.Recipient{Address: testPeerAddress}

		job := f.job(models.JobParameters{TemplateMessageID: msg.ID, MessageID: msg.ID, Destination: testPeerAddress})
		job.Cancel(context.Background())

		assert.Equal(t, []int64{msg.ID}, f.storage.failedMarked)
		require.Len(t, f.notifier.calls, 1)
		assert.Equal(t, testPeerAddress, f.notifier.calls[0].address)
	})

	t.Run("silent when conversation is gone", func(t *testing.T) {
		f := newSendJobFixture()
		msg := f.pendingMessage(testPeerAddress)

		job := f.job(models.JobParameters{TemplateMessageID: msg.ID, MessageID: msg.ID, Destination: testPeerAddress})
		job.Cancel(context.Background())

		assert.Equal(t, []int64{msg.ID}, f.storage.failedMarked)
		assert.Empty(t, f.notifier.calls)
	})

	t.Run("no-op without a local row", func(t *testing.T) {
		f := newSendJobFixture()

		job := f.job(models.JobParameters{TemplateMessageID: 1, MessageID: -1, Destination: testPeerAddress})
		job.Cancel(context.Background())

		assert.Empty(t, f.storage.failedMarked)
		assert.Empty(t, f.notifier.calls)
	})
}
