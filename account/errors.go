package account

import "errors"

var (
	// ErrNoAccounts indicates the registry is empty or a requested user ID is not in it.
	ErrNoAccounts = errors.New("no accounts")
	// ErrNoActiveAccount indicates no active account is set, or it does not
	// resolve, or key material for the resolved user is missing.
	ErrNoActiveAccount = errors.New("no active account")
	// ErrInvalidAccount indicates an account failed validation.
	ErrInvalidAccount = errors.New("invalid account")
)
