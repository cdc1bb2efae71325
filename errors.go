package main

import (
	"errors"
	"strings"
)

// Failure categories of a run. Every error returned by the pipeline wraps
// exactly one of them.
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrNetwork        = errors.New("network failure")
	ErrFormat         = errors.New("invalid archive")
	ErrWrite          = errors.New("write failed")
)

const (
	exitFailure        = 1
	exitAuthentication = 2
	exitNetwork        = 3
	exitFormat         = 4
	exitWrite          = 5
)

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrAuthentication):
		return exitAuthentication
	case errors.Is(err, ErrNetwork):
		return exitNetwork
	case errors.Is(err, ErrFormat):
		return exitFormat
	case errors.Is(err, ErrWrite):
		return exitWrite
	}
	return exitFailure
}

// redact replaces every occurrence of secret in s.
func redact(s string, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "***")
}
