package client

import (
	"github.com/Chichichkin/timberlogs/internal/logging"
)

// WithClient creates a client, connects it to sink and runs fn. The client is
// closed when fn returns or panics, which flushes anything still buffered.
// An error from fn takes precedence over one from Close.
func WithClient(cfg logging.Config, sink logging.Sink, fn func(*Client) error, opts ...Option) (err error) {
	c, err := New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := c.Connect(sink); err != nil {
		return err
	}

	defer func() {
		if closeErr := c.Close(); err == nil {
			err = closeErr
		}
	}()

	return fn(c)
}
