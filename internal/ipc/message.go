package ipc

import (
	"fmt"
	"regexp"
	"time"

	"github.com/mossmaurice/iceoryx/internal/shared/errdefs"
	"github.com/mossmaurice/iceoryx/internal/shm"
	"github.com/mossmaurice/iceoryx/internal/version"
)

// MessageType names a frame on the registration channel.
type MessageType string

const (
	TypeRegister           MessageType = "REGISTER"
	TypeRegisterAck        MessageType = "REGISTER_ACK"
	TypeRegisterNack       MessageType = "REGISTER_NACK"
	TypeUnregister         MessageType = "UNREGISTER"
	TypeUnregisterAck      MessageType = "UNREGISTER_ACK"
	TypeKeepAlive          MessageType = "KEEPALIVE"
	TypeIntrospectionQuery MessageType = "INTROSPECTION_QUERY"
	TypeIntrospectionReply MessageType = "INTROSPECTION_REPLY"
)

// Known reports whether t is a message type of this protocol.
func (t MessageType) Known() bool {
	switch t {
	case TypeRegister, TypeRegisterAck, TypeRegisterNack, TypeUnregister,
		TypeUnregisterAck, TypeKeepAlive, TypeIntrospectionQuery, TypeIntrospectionReply:
		return true
	}
	return false
}

// MaxNameLength bounds process and endpoint names.
const MaxNameLength = 64

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidName reports whether name can be used as an endpoint name.
func ValidName(name string) bool {
	return len(name) <= MaxNameLength && namePattern.MatchString(name)
}

// Grant tells a registered client where its resources live.
type Grant struct {
	SegmentDir        string              `json:"segment_dir,omitempty"`
	ManagementSegment string              `json:"management_segment"`
	Port              shm.RelativePointer `json:"port"`
	ConditionVariable shm.RelativePointer `json:"condition_variable"`
	PortID            string              `json:"port_id"`

	// Introspection points at the broker's shared process summary; null
	// when monitoring is off.
	Introspection shm.RelativePointer `json:"introspection"`
}

// Message is one frame. Which fields are set depends on Type.
type Message struct {
	Type MessageType `json:"type"`
	Name string      `json:"name,omitempty"`

	PID    int `json:"pid,omitempty"`
	UserID int `json:"uid,omitempty"`

	// TransmissionTimestamp is chosen by the client and echoed in the reply.
	TransmissionTimestamp int64  `json:"transmission_timestamp,omitempty"`
	SessionID             uint64 `json:"session_id,omitempty"`

	Version *version.Info `json:"version,omitempty"`

	Code   errdefs.Code `json:"code,omitempty"`
	Reason string       `json:"reason,omitempty"`

	RouDiID       string         `json:"roudi_id,omitempty"`
	Grant         *Grant         `json:"grant,omitempty"`
	Introspection *Introspection `json:"introspection,omitempty"`
}

// NewTimestamp returns a transmission timestamp for a request.
func NewTimestamp() int64 {
	return time.Now().UnixNano()
}

// Validate checks that the fields Type requires are present.
func (m *Message) Validate() error {
	if !m.Type.Known() {
		return fmt.Errorf("%w: unknown message type %q", errdefs.ErrChannel, m.Type)
	}

	switch m.Type {
	case TypeRegister:
		if err := m.requireName(); err != nil {
			return err
		}
		if m.PID <= 0 {
			return fmt.Errorf("%w: REGISTER from %q without pid", errdefs.ErrChannel, m.Name)
		}
		if m.Version == nil {
			return fmt.Errorf("%w: REGISTER from %q without version", errdefs.ErrChannel, m.Name)
		}
	case TypeUnregister, TypeKeepAlive:
		if err := m.requireName(); err != nil {
			return err
		}
		if m.SessionID == 0 {
			return fmt.Errorf("%w: %s from %q without session id", errdefs.ErrChannel, m.Type, m.Name)
		}
	case TypeIntrospectionQuery:
		return m.requireName()
	case TypeRegisterAck:
		if m.SessionID == 0 || m.Grant == nil {
			return fmt.Errorf("%w: REGISTER_ACK without session id or grant", errdefs.ErrChannel)
		}
	case TypeRegisterNack:
		if m.Code == errdefs.CodeNone {
			return fmt.Errorf("%w: REGISTER_NACK without error code", errdefs.ErrChannel)
		}
	}
	return nil
}

func (m *Message) requireName() error {
	if !ValidName(m.Name) {
		return fmt.Errorf("%w: %s with invalid name %q", errdefs.ErrChannel, m.Type, m.Name)
	}
	return nil
}

// Err returns the taxonomy error carried by a NACK, or nil.
func (m *Message) Err() error {
	if m.Code == errdefs.CodeNone {
		return nil
	}
	if m.Reason == "" {
		return m.Code.Err()
	}
	return fmt.Errorf("%w: %s", m.Code.Err(), m.Reason)
}
