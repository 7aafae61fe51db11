// Package transport abstracts the message-framed connections a coordinator
// talks to. A connection carries a small durable attachment that survives
// the loss of the coordinator's in-memory state.
package transport

import (
	"errors"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrBufferFull is returned when a connection's send buffer is saturated.
	ErrBufferFull = errors.New("send buffer full")
)

// Conn is one live client or sandbox connection.
type Conn interface {
	ID() string
	// Send queues data for delivery without blocking.
	Send(data []byte) error
	// Close terminates the connection with a WebSocket close code.
	Close(code int, reason string) error
	// Done is closed once the connection has terminated.
	Done() <-chan struct{}
	// SerializeAttachment stores v on the connection, replacing any previous value.
	SerializeAttachment(v any) error
	// DeserializeAttachment decodes the stored attachment into v. It reports
	// false when no attachment has been set.
	DeserializeAttachment(v any) (bool, error)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: cbor enc mode: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("transport: cbor dec mode: " + err.Error())
	}
}

// Attachment holds a CBOR-encoded attachment. Conn implementations embed it
// to satisfy SerializeAttachment and DeserializeAttachment.
type Attachment struct {
	mu   sync.RWMutex
	data []byte
}

// SerializeAttachment encodes v, or clears the attachment when v is nil.
func (s *Attachment) SerializeAttachment(v any) error {
	if v == nil {
		s.mu.Lock()
		s.data = nil
		s.mu.Unlock()
		return nil
	}
	data, err := encMode.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

// DeserializeAttachment decodes the stored attachment into v.
func (s *Attachment) DeserializeAttachment(v any) (bool, error) {
	s.mu.RLock()
	data := s.data
	s.mu.RUnlock()
	if len(data) == 0 {
		return false, nil
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return true, err
	}
	return true, nil
}
