package service

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// DeletionScheduler is the expiration-tracker surface the send job and
// read-receipt aggregator depend on.
type DeletionScheduler interface {
	ScheduleDeletion(ctx context.Context, id int64, isGroup bool, startedAtMs, expiresInMs int64)
}

// ExpiringMessageManager tracks every armed disappearing-message timer
// and keeps exactly one OS-level wake-up scheduled, at the globally
// soonest deadline. On wake-up it re-scans all armed timers, deletes
// the ones past their deadline, and reschedules for the next one.
type ExpiringMessageManager struct {
	storage Storage
	alarm   AlarmScheduler
	clock   Clock
	logger  *logrus.Logger

	// mu guards soonest between concurrent ScheduleDeletion calls and
	// the scan/reschedule pass.
	mu      sync.Mutex
	soonest int64 // epoch ms of the scheduled wake-up, 0 = none
}

func NewExpiringMessageManager(storage Storage, alarm AlarmScheduler, clock Clock, logger *logrus.Logger) *ExpiringMessageManager {
	return &ExpiringMessageManager{
		storage: storage,
		alarm:   alarm,
		clock:   clock,
		logger:  logger,
	}
}

// Start performs the boot-time scan so timers armed in a previous
// process lifetime are picked up again.
func (m *ExpiringMessageManager) Start(ctx context.Context) {
	m.CheckSchedule(ctx)
}

// ScheduleDeletion registers an armed timer. Calling it again for a
// message whose timer already started does not move the deadline; the
// caller passes the stored start time, which the one-way
// MarkExpireStarted transition keeps stable.
func (m *ExpiringMessageManager) ScheduleDeletion(ctx context.Context, id int64, isGroup bool, startedAtMs, expiresInMs int64) {
	if expiresInMs <= 0 || startedAtMs <= 0 {
		return
	}

	deadline := startedAtMs + expiresInMs
	m.logger.WithFields(logrus.Fields{
		"messageId": id,
		"isGroup":   isGroup,
		"deadline":  deadline,
	}).Debug("Timer armed for message deletion")

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.soonest == 0 || deadline < m.soonest {
		m.soonest = deadline
		m.alarm.CancelWake()
		m.alarm.ScheduleWake(deadline)
	}
}

// CheckSchedule deletes every message whose deadline has passed and
// reschedules the wake-up for the new soonest deadline, if any. The
// alarm invokes this when it fires.
func (m *ExpiringMessageManager) CheckSchedule(ctx context.Context) {
	// The whole scan-delete-reschedule pass runs under mu. A
	// ScheduleDeletion that interleaved between the scan and the
	// reschedule would otherwise have its wake-up canceled by the
	// stale scan result and never restored.
	m.mu.Lock()
	defer m.mu.Unlock()

	infos, err := m.storage.GetMessagesWithArmedTimers(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Failed to scan armed expiration timers")
		return
	}

	now := m.clock.NowMillis()
	var next int64

	for _, info := range infos {
		deadline := info.Deadline()
		if deadline <= now {
			if err := m.storage.DeleteMessage(ctx, info.ID); err != nil {
				m.logger.WithError(err).WithField("messageId", info.ID).Error("Failed to delete expired message")
				continue
			}
			m.logger.WithField("messageId", info.ID).Info("Deleted expired message")
			continue
		}
		if next == 0 || deadline < next {
			next = deadline
		}
	}

	m.soonest = next
	m.alarm.CancelWake()
	if next > 0 {
		m.alarm.ScheduleWake(next)
	}
}
