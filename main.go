package main

import (
	"errors"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/session"
)

// exitReauthRequired is returned when the operator must log in again, so
// scripts can tell it apart from other failures.
const exitReauthRequired = 3

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errLoginRequired) || errors.Is(err, session.ErrAuthenticationExhausted) {
			exitOnErrorCode(err, exitReauthRequired)
		}

		exitOnError(err)
	}
}
