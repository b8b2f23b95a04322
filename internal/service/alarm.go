package service

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AlarmScheduler is the process-wide single-shot wake-up primitive. At
// most one wake-up is outstanding; scheduling replaces any previous one.
type AlarmScheduler interface {
	ScheduleWake(atEpochMs int64)
	CancelWake()
}

// TimerAlarm backs AlarmScheduler with a time.Timer. The wake callback
// runs on the timer goroutine.
type TimerAlarm struct {
	mu     sync.Mutex
	timer  *time.Timer
	onWake func()
	logger *logrus.Logger
}

func NewTimerAlarm(logger *logrus.Logger) *TimerAlarm {
	return &TimerAlarm{logger: logger}
}

// SetWakeFunc installs the callback invoked when the alarm fires. Must
// be called before the first ScheduleWake.
func (a *TimerAlarm) SetWakeFunc(onWake func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onWake = onWake
}

func (a *TimerAlarm) ScheduleWake(atEpochMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
	}

	delay := time.Duration(atEpochMs-time.Now().UnixMilli()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}

	a.logger.WithField("wakeInMs", delay.Milliseconds()).Debug("Scheduling expiration wake-up")
	a.timer = time.AfterFunc(delay, a.fire)
}

func (a *TimerAlarm) CancelWake() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *TimerAlarm) fire() {
	a.mu.Lock()
	onWake := a.onWake
	a.timer = nil
	a.mu.Unlock()

	if onWake != nil {
		onWake()
	}
}
