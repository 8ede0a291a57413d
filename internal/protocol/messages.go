// Package protocol defines the JSON frames pushed from the bridge to the
// browser client.
//
// Every frame is an object with exactly one key naming the variant:
//
//	{"Message":"hello"}
//	{"Code":"s(\"bd sd\")"}
//	{"Playback":"Playing"}
//	{"Error":"broadcast lagged by 3 messages"}
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FallbackText is sent verbatim when a frame cannot be encoded.
const FallbackText = "failed to serialize"

var (
	ErrInvalidMessage  = errors.New("message must carry exactly one variant")
	ErrInvalidPlayback = errors.New("invalid playback state")
)

// Kind identifies the variant carried by a Message
type Kind string

const (
	KindMessage  Kind = "Message"
	KindCode     Kind = "Code"
	KindPlayback Kind = "Playback"
	KindError    Kind = "Error"
	KindInvalid  Kind = ""
)

// PlaybackState is the transport state of the browser player
type PlaybackState string

const (
	Playing PlaybackState = "Playing"
	Paused  PlaybackState = "Paused"
	Stopped PlaybackState = "Stopped"
)

// IsValid reports whether s is one of the known transport states
func (s PlaybackState) IsValid() bool {
	switch s {
	case Playing, Paused, Stopped:
		return true
	}
	return false
}

// MarshalText rejects unknown states so a bad value never reaches a client
func (s PlaybackState) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlayback, string(s))
	}
	return []byte(s), nil
}

// UnmarshalText parses a transport state
func (s *PlaybackState) UnmarshalText(b []byte) error {
	state := PlaybackState(b)
	if !state.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidPlayback, string(b))
	}
	*s = state
	return nil
}

// Message is a server to client frame. Exactly one field is set.
type Message struct {
	Message  *string        `json:"Message,omitempty"`
	Code     *string        `json:"Code,omitempty"`
	Playback *PlaybackState `json:"Playback,omitempty"`
	Error    *string        `json:"Error,omitempty"`
}

// Greeting builds the private hello frame sent once per session
func Greeting(text string) Message {
	return Message{Message: &text}
}

// Code builds a frame replacing the program the client is running
func Code(source string) Message {
	return Message{Code: &source}
}

// Playback builds a transport frame
func Playback(state PlaybackState) Message {
	return Message{Playback: &state}
}

// Error builds a human readable error frame
func Error(text string) Message {
	return Message{Error: &text}
}

// Lagged builds the notice a session sends after its subscription overran
func Lagged(skipped uint64) Message {
	return Error(fmt.Sprintf("broadcast lagged by %d messages", skipped))
}

// Kind returns the variant carried by m, or KindInvalid
func (m Message) Kind() Kind {
	var kind Kind
	n := 0
	if m.Message != nil {
		kind, n = KindMessage, n+1
	}
	if m.Code != nil {
		kind, n = KindCode, n+1
	}
	if m.Playback != nil {
		kind, n = KindPlayback, n+1
	}
	if m.Error != nil {
		kind, n = KindError, n+1
	}
	if n != 1 {
		return KindInvalid
	}
	return kind
}

// Text returns the string payload of a Message, Code or Error frame
func (m Message) Text() string {
	switch {
	case m.Message != nil:
		return *m.Message
	case m.Code != nil:
		return *m.Code
	case m.Error != nil:
		return *m.Error
	case m.Playback != nil:
		return string(*m.Playback)
	}
	return ""
}

// Encode serializes m into a text frame
func Encode(m Message) ([]byte, error) {
	if m.Kind() == KindInvalid {
		return nil, ErrInvalidMessage
	}
	return json.Marshal(m)
}

// Decode parses a text frame
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if m.Kind() == KindInvalid {
		return Message{}, ErrInvalidMessage
	}
	return m, nil
}
