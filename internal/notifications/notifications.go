package notifications

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// Severity grades a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notifier delivers out-of-band alerts about engine events. Implementations
// must tolerate concurrent calls.
type Notifier interface {
	Notify(level Severity, message string) error
}

// LogNotifier writes alerts to the engine log. It is the fallback when no
// external channel is configured.
type LogNotifier struct {
	log *logrus.Logger
}

// NewLogNotifier creates a notifier backed by log.
func NewLogNotifier(log *logrus.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(level Severity, message string) error {
	entry := n.log.WithField("alert", string(level))
	switch level {
	case SeverityWarning:
		entry.Warn(message)
	case SeverityError:
		entry.Error(message)
	default:
		entry.Info(message)
	}
	return nil
}

// MultiNotifier fans an alert out to several channels. Every channel is
// attempted; errors are joined.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier builds a fan-out notifier.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Notify implements Notifier.
func (m *MultiNotifier) Notify(level Severity, message string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(level, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
