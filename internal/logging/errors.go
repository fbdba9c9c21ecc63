package logging

import "errors"

var (
	ErrInvalidLevel  = errors.New("invalid log level")
	ErrInvalidConfig = errors.New("invalid client config")
)

var (
	ErrNilSink          = errors.New("sink is nil")
	ErrNotConnected     = errors.New("client is not connected to a sink")
	ErrAlreadyConnected = errors.New("client is already connected to a sink")
	ErrClosed           = errors.New("client is closed")
	ErrBatchDropped     = errors.New("batch dropped after exhausting retries")
)
