package session

import "errors"

var (
	ErrNoToken    = errors.New("no token stored, run `auth login`")
	ErrEmptyToken = errors.New("token is empty")
)
