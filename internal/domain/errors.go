package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrFeedFatal     = errors.New("feed: reconnect attempts exhausted")
	ErrProtocol      = errors.New("feed: protocol violation")
	ErrNoMarket      = errors.New("no tradable market for window")
	ErrStateCorrupt  = errors.New("state file corrupt")
	ErrLockHeld      = errors.New("lock already held")
	ErrRunWindowDone = errors.New("run window elapsed")
)
