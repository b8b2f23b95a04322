package service

import (
	"context"
	"io"
	"sync"

	"courier/internal/models"
	"courier/pkg/transport"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeClock returns a fixed instant, adjustable per test.
type fakeClock struct {
	now int64
}

func (c *fakeClock) NowMillis() int64 {
	return c.now
}

// fakeStorage is an in-memory Storage with per-method error injection
// and call recording.
type fakeStorage struct {
	mu sync.Mutex

	messages   map[int64]*models.MessageRecord
	recipients map[models.Address]*models.Recipient
	threads    map[int64]*models.Recipient
	nextID     int64

	getMessageErr        error
	insertErr            error
	markSentErr          error
	markExpireStartedErr error
	armedTimersErr       error
	armedTimersHook      func()
	deleteErr            error
	ensureRecipientErr   error
	threadRecipientErr   error

	deleted            []int64
	deliveryIncrements []models.SyncMessageID
	readIncrements     []models.SyncMessageID
	fallbackMarked     []int64
	failedMarked       []int64
	sentMarked         []int64
	registeredSet      []models.Address
	errorMessages      map[int64]string
	identityMismatches map[int64]string
	expiresInSet       map[models.Address]int64
	profileKeysSet     map[string][]byte
	unidentifiedSet    map[int64]bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		messages:           make(map[int64]*models.MessageRecord),
		recipients:         make(map[models.Address]*models.Recipient),
		threads:            make(map[int64]*models.Recipient),
		errorMessages:      make(map[int64]string),
		identityMismatches: make(map[int64]string),
		expiresInSet:       make(map[models.Address]int64),
		profileKeysSet:     make(map[string][]byte),
		unidentifiedSet:    make(map[int64]bool),
	}
}

func (s *fakeStorage) addMessage(msg *models.MessageRecord) *models.MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == 0 {
		s.nextID++
		msg.ID = s.nextID
	} else if msg.ID > s.nextID {
		s.nextID = msg.ID
	}
	s.messages[msg.ID] = msg
	return msg
}

func (s *fakeStorage) addRecipient(r *models.Recipient) *models.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients[r.Address] = r
	return s.recipients[r.Address]
}

func (s *fakeStorage) InsertMessage(ctx context.Context, msg *models.MessageRecord) (int64, error) {
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	stored := *msg
	s.addMessage(&stored)
	return stored.ID, nil
}

func (s *fakeStorage) GetMessage(ctx context.Context, id int64) (*models.MessageRecord, error) {
	if s.getMessageErr != nil {
		return nil, s.getMessageErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	copied := *msg
	return &copied, nil
}

func (s *fakeStorage) GetMessageBySyncID(ctx context.Context, syncID models.SyncMessageID) (*models.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.Outgoing && msg.Address == syncID.Address && msg.SentAt == syncID.Timestamp {
			copied := *msg
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeStorage) MarkSent(ctx context.Context, id int64) error {
	if s.markSentErr != nil {
		return s.markSentErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentMarked = append(s.sentMarked, id)
	if msg, ok := s.messages[id]; ok {
		msg.Status = models.MessageStatusSent
	}
	return nil
}

func (s *fakeStorage) MarkSentFailed(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedMarked = append(s.failedMarked, id)
	if msg, ok := s.messages[id]; ok {
		msg.Status = models.MessageStatusFailed
	}
	return nil
}

func (s *fakeStorage) MarkPendingInsecureFallback(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallbackMarked = append(s.fallbackMarked, id)
	if msg, ok := s.messages[id]; ok {
		msg.Status = models.MessageStatusPendingFallback
	}
	return nil
}

func (s *fakeStorage) MarkUnidentified(ctx context.Context, id int64, unidentified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unidentifiedSet[id] = unidentified
	if msg, ok := s.messages[id]; ok {
		msg.Unidentified = unidentified
	}
	return nil
}

func (s *fakeStorage) SetMismatchedIdentity(ctx context.Context, id int64, identityKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identityMismatches[id] = identityKey
	return nil
}

func (s *fakeStorage) SetErrorMessage(ctx context.Context, id int64, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorMessages[id] = description
	return nil
}

func (s *fakeStorage) MarkExpireStarted(ctx context.Context, id int64, startedAtMs int64) (int64, error) {
	if s.markExpireStartedErr != nil {
		return 0, s.markExpireStartedErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return startedAtMs, nil
	}
	if msg.ExpireStarted <= 0 {
		msg.ExpireStarted = startedAtMs
	}
	return msg.ExpireStarted, nil
}

func (s *fakeStorage) IncrementDeliveryReceiptCount(ctx context.Context, syncID models.SyncMessageID, receivedAtMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveryIncrements = append(s.deliveryIncrements, syncID)
	return nil
}

func (s *fakeStorage) IncrementReadReceiptCount(ctx context.Context, syncID models.SyncMessageID, receivedAtMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readIncrements = append(s.readIncrements, syncID)
	return nil
}

func (s *fakeStorage) GetMessagesWithArmedTimers(ctx context.Context) ([]models.ExpirationInfo, error) {
	if s.armedTimersErr != nil {
		return nil, s.armedTimersErr
	}
	if s.armedTimersHook != nil {
		s.armedTimersHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []models.ExpirationInfo
	for _, msg := range s.messages {
		info := msg.ExpirationInfo()
		if info.Armed() {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (s *fakeStorage) DeleteMessage(ctx context.Context, id int64) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	delete(s.messages, id)
	return nil
}

func (s *fakeStorage) MarkThreadRead(ctx context.Context, threadID int64, readAtMs int64) ([]models.MarkedMessageInfo, error) {
	return nil, nil
}

func (s *fakeStorage) GetThreadRecipient(ctx context.Context, threadID int64) (*models.Recipient, error) {
	if s.threadRecipientErr != nil {
		return nil, s.threadRecipientErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[threadID], nil
}

func (s *fakeStorage) EnsureRecipient(ctx context.Context, address models.Address) (*models.Recipient, error) {
	if s.ensureRecipientErr != nil {
		return nil, s.ensureRecipientErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.recipients[address]; ok {
		copied := *r
		return &copied, nil
	}
	r := &models.Recipient{
		Address:    address,
		Registered: models.RegisteredStateUnknown,
		AccessMode: models.UnidentifiedAccessUnknown,
	}
	s.recipients[address] = r
	copied := *r
	return &copied, nil
}

func (s *fakeStorage) SetRegistered(ctx context.Context, address models.Address, state models.RegisteredState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registeredSet = append(s.registeredSet, address)
	if r, ok := s.recipients[address]; ok {
		r.Registered = state
	}
	return nil
}

func (s *fakeStorage) SetUnidentifiedAccessMode(ctx context.Context, address models.Address, mode models.UnidentifiedAccessMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.recipients[address]; ok {
		r.AccessMode = mode
	}
	return nil
}

func (s *fakeStorage) SetProfileKey(ctx context.Context, address models.Address, profileKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profileKeysSet[address.String()] = profileKey
	if r, ok := s.recipients[address]; ok {
		r.ProfileKey = profileKey
	}
	return nil
}

func (s *fakeStorage) SetRecipientExpiresIn(ctx context.Context, address models.Address, expiresInMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresInSet[address] = expiresInMs
	return nil
}

func (s *fakeStorage) accessModeOf(address models.Address) models.UnidentifiedAccessMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.recipients[address]; ok {
		return r.AccessMode
	}
	return models.UnidentifiedAccessUnknown
}

// deliverCall records one transport delivery.
type deliverCall struct {
	payload     transport.Payload
	destination models.Address
	accessKey   string
}

// fakeTransport implements transport.Client. deliverFn, when set,
// decides each call's outcome; otherwise every delivery succeeds.
type fakeTransport struct {
	mu sync.Mutex

	deliverFn  func(call deliverCall) (*transport.SendResult, error)
	deliveries []deliverCall

	receiptErr error
	receipts   []struct {
		receipt     transport.ReadReceiptMessage
		destination models.Address
	}
}

func (t *fakeTransport) Deliver(ctx context.Context, payload transport.Payload, destination models.Address, accessKey string) (*transport.SendResult, error) {
	call := deliverCall{payload: payload, destination: destination, accessKey: accessKey}
	t.mu.Lock()
	t.deliveries = append(t.deliveries, call)
	t.mu.Unlock()

	if t.deliverFn != nil {
		return t.deliverFn(call)
	}
	return &transport.SendResult{}, nil
}

func (t *fakeTransport) SendReadReceipt(ctx context.Context, receipt transport.ReadReceiptMessage, destination models.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.receiptErr != nil {
		return t.receiptErr
	}
	t.receipts = append(t.receipts, struct {
		receipt     transport.ReadReceiptMessage
		destination models.Address
	}{receipt, destination})
	return nil
}

func (t *fakeTransport) deliveryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.deliveries)
}

// scheduledDeletion records one ScheduleDeletion call.
type scheduledDeletion struct {
	id          int64
	isGroup     bool
	startedAtMs int64
	expiresInMs int64
}

type recordingExpirer struct {
	mu    sync.Mutex
	calls []scheduledDeletion
}

func (e *recordingExpirer) ScheduleDeletion(ctx context.Context, id int64, isGroup bool, startedAtMs, expiresInMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, scheduledDeletion{id: id, isGroup: isGroup, startedAtMs: startedAtMs, expiresInMs: expiresInMs})
}

type failureNotification struct {
	address  models.Address
	threadID int64
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []failureNotification
}

func (n *recordingNotifier) NotifyDeliveryFailed(ctx context.Context, recipient *models.Recipient, threadID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, failureNotification{address: recipient.Address, threadID: threadID})
}

// fakeAlarm records the schedule/cancel sequence instead of keeping a
// real timer.
type fakeAlarm struct {
	mu        sync.Mutex
	scheduled []int64
	cancels   int
	pending   bool
}

func (a *fakeAlarm) ScheduleWake(atEpochMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scheduled = append(a.scheduled, atEpochMs)
	a.pending = true
}

func (a *fakeAlarm) CancelWake() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels++
	a.pending = false
}

func (a *fakeAlarm) hasPending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

func (a *fakeAlarm) lastScheduled() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.scheduled) == 0 {
		return 0
	}
	return a.scheduled[len(a.scheduled)-1]
}
