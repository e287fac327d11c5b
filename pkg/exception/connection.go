package exception

import "github.com/yanun0323/errors"

var (
	ErrNotConnected    = errors.New("connection: not connected")
	ErrConnectionClose = errors.New("connection: closed")
)
