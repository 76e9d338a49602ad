package sqlsession

import (
	"fmt"
	"strings"
)

// LockMode selects how a session row is protected between Read and Close.
type LockMode int

// The zero value is LockTransactional.
const (
	// LockTransactional holds a row lock (SELECT ... FOR UPDATE) inside a
	// transaction that stays open until Close.
	LockTransactional LockMode = iota

	// LockAdvisory takes an application-level lock keyed by the session id.
	// It does not need a transaction, but the database does not enforce it:
	// code that writes the table directly is not blocked.
	LockAdvisory

	// LockNone does no locking. Concurrent requests for the same session race
	// and the last write wins.
	LockNone
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockAdvisory:
		return "advisory"
	case LockTransactional:
		return "transactional"
	default:
		return fmt.Sprintf("LockMode(%d)", int(m))
	}
}

// ParseLockMode parses "none", "advisory" or "transactional".
func ParseLockMode(s string) (LockMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return LockNone, nil
	case "advisory":
		return LockAdvisory, nil
	case "transactional", "":
		return LockTransactional, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedLockMode, s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *LockMode) UnmarshalText(text []byte) error {
	mode, err := ParseLockMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (m LockMode) MarshalText() ([]byte, error) {
	if !m.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedLockMode, int(m))
	}
	return []byte(m.String()), nil
}

func (m LockMode) valid() bool {
	return m >= LockTransactional && m <= LockNone
}
