package watermilldb

import (
	"github.com/ThreeDotsLabs/watermill"
	log "github.com/sirupsen/logrus"
)

type logrusAdapter struct {
	entry *log.Entry
}

func newLogrusAdapter(entry *log.Entry) watermill.LoggerAdapter {
	return &logrusAdapter{entry}
}

func (l *logrusAdapter) Error(msg string, err error, fields watermill.LogFields) {
	l.withFields(fields).WithError(err).Error(msg)
}

func (l *logrusAdapter) Info(msg string, fields watermill.LogFields) {
	l.withFields(fields).Info(msg)
}

func (l *logrusAdapter) Debug(msg string, fields watermill.LogFields) {
	l.withFields(fields).Debug(msg)
}

func (l *logrusAdapter) Trace(msg string, fields watermill.LogFields) {
	l.withFields(fields).Trace(msg)
}

func (l *logrusAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &logrusAdapter{l.withFields(fields)}
}

func (l *logrusAdapter) withFields(fields watermill.LogFields) *log.Entry {
	return l.entry.WithFields(log.Fields(fields))
}
