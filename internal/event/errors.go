package event

import (
	"errors"
	"fmt"
)

var (
	// ErrNilHandler is returned when a nil handler is subscribed.
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrTooManySubscribers is returned when a topic's subscriber list is full.
	ErrTooManySubscribers = errors.New("too many subscribers")
)

// PanicError wraps a recovered handler panic.
type PanicError struct {
	Topic Topic
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic on topic %s: %v", e.Topic, e.Value)
}
