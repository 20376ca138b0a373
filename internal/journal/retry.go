package journal

import (
	"strings"
	"time"
)

const (
	retryAttempts = 3
	retryBaseWait = 50 * time.Millisecond
)

// retryOnContention reruns a write when SQLite reports a transient lock
// conflict. The busy_timeout pragma covers most cases at the connection
// level; this catches the rest.
func retryOnContention(fn func() error) error {
	var err error
	wait := retryBaseWait
	for attempt := 0; attempt <= retryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(wait)
			wait *= 2
		}
		if err = fn(); err == nil || !isTransient(err) {
			return err
		}
	}
	return err
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
