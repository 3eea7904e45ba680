package secrets

import (
	"fmt"
	"strconv"
)

// VaultTimeout is how long a vault stays unlocked, in minutes, or one of the
// special negative values.
type VaultTimeout int

const (
	Never          VaultTimeout = -2
	OnAppRestart   VaultTimeout = -1
	Immediately    VaultTimeout = 0
	OneMinute      VaultTimeout = 1
	FiveMinutes    VaultTimeout = 5
	FifteenMinutes VaultTimeout = 15
	ThirtyMinutes  VaultTimeout = 30
	OneHour        VaultTimeout = 60
	FourHours      VaultTimeout = 240

	// DefaultVaultTimeout applies when nothing trustworthy is stored.
	DefaultVaultTimeout = FifteenMinutes
)

func (t VaultTimeout) String() string {
	switch {
	case t == Never:
		return "never"
	case t == OnAppRestart:
		return "on app restart"
	case t == Immediately:
		return "immediately"
	case t == 1:
		return "1 minute"
	case t > 0:
		return fmt.Sprintf("%d minutes", int(t))
	default:
		return fmt.Sprintf("VaultTimeout(%d)", int(t))
	}
}

// Valid reports whether t is a special value or a positive number of minutes.
func (t VaultTimeout) Valid() bool {
	return t >= Never
}

// ParseVaultTimeout accepts "never", "restart", "immediately" or a number of minutes.
func ParseVaultTimeout(s string) (VaultTimeout, error) {
	switch s {
	case "never":
		return Never, nil
	case "restart", "on-app-restart":
		return OnAppRestart, nil
	case "immediately":
		return Immediately, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || !VaultTimeout(n).Valid() {
		return 0, fmt.Errorf("invalid vault timeout %q", s)
	}
	return VaultTimeout(n), nil
}
