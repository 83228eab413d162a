package producer

import (
	"errors"
	"fmt"
)

var (
	ErrProducerBusy   = errors.New("producer busy")
	ErrProducerFenced = errors.New("producer fenced")
	// ErrProducerClosed fails a queued registration that was withdrawn before grant
	ErrProducerClosed = errors.New("producer closed")
	ErrProducerExists = errors.New("producer already registered")
	ErrInvalidMode    = errors.New("invalid access mode")
)

// ProducerBusyError rejects a registration that cannot be satisfied now and
// whose mode does not queue
type ProducerBusyError struct {
	Topic      string
	ProducerID uint64
	Reason     string
}

func (e *ProducerBusyError) Error() string {
	return fmt.Sprintf("producer %d busy on %s: %s", e.ProducerID, e.Topic, e.Reason)
}

func (e *ProducerBusyError) Is(target error) bool {
	return target == ErrProducerBusy
}

// ProducerFencedError is returned to a producer whose ownership was taken away,
// both on registration and on every publish after fencing
type ProducerFencedError struct {
	Topic      string
	ProducerID uint64
	Epoch      uint64
	Reason     string
}

func (e *ProducerFencedError) Error() string {
	return fmt.Sprintf("producer %d fenced on %s at epoch %d: %s", e.ProducerID, e.Topic, e.Epoch, e.Reason)
}

func (e *ProducerFencedError) Is(target error) bool {
	return target == ErrProducerFenced
}
