//go:build !linux

package gpio

import "errors"

// Chip is not available on non-Linux platforms.
type Chip struct{}

// Open returns an error on non-Linux platforms.
func Open(name string, bias Bias) (*Chip, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// Watch is not implemented on non-Linux platforms.
func (c *Chip) Watch(pin int, edge Edge, handler Handler) (*Watch, error) {
	return nil, errors.New("gpio: not supported")
}

// Level is not implemented on non-Linux platforms.
func (c *Chip) Level(pin int) (bool, error) {
	return false, errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (c *Chip) Close() error {
	return nil
}
