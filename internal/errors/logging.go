package errors

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// Entry returns a log entry carrying the error plus the structured
// context an AppError holds, so callers log classification details
// without unpacking the error themselves.
func Entry(logger *logrus.Logger, err error) *logrus.Entry {
	entry := logger.WithError(err)

	var appErr *AppError
	if errors.As(err, &appErr) {
		entry = entry.WithFields(logrus.Fields{
			"error_code": appErr.Code,
			"retryable":  appErr.Retryable,
		})
		for k, v := range appErr.Context {
			entry = entry.WithField(k, v)
		}
	}

	return entry
}

// LogClassified logs retryable errors at warn level and terminal
// failures at error level.
func LogClassified(logger *logrus.Logger, err error, message string) {
	if IsRetryable(err) {
		Entry(logger, err).Warn(message)
	} else {
		Entry(logger, err).Error(message)
	}
}
