package db

import (
	"strings"
	"time"
)

const (
	busyAttempts = 5
	busyBackoff  = 10 * time.Millisecond
)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy runs fn up to busyAttempts times while it fails with
// SQLITE_BUSY, doubling the pause between attempts from busyBackoff.
func (db *DB) retryOnBusy(fn func() error) error {
	delay := busyBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if !isSQLiteBusy(err) || attempt == busyAttempts {
			return err
		}
		db.clock.Sleep(delay)
		delay *= 2
	}
}
