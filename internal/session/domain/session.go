// Package domain defines the session identity model: the session key, log
// entries, and originating platform.
package domain

import (
	"errors"
	"strings"
	"time"
)

// OSType is the originating platform of a logging session.
type OSType string

const (
	OSAndroid OSType = "Android"
	OSiOS     OSType = "iOS"
)

// SessionKey uniquely identifies one logging session. Device and App are
// always raw names; aliases are resolved before a key is constructed.
// Immutable once the session is created.
type SessionKey struct {
	APIKey    string
	Device    string
	App       string
	StartTime time.Time
}

// Normalize trims whitespace from the name fields and converts StartTime to
// UTC so that keys compare consistently regardless of client formatting.
func (k SessionKey) Normalize() SessionKey {
	return SessionKey{
		APIKey:    strings.TrimSpace(k.APIKey),
		Device:    strings.TrimSpace(k.Device),
		App:       strings.TrimSpace(k.App),
		StartTime: k.StartTime.UTC(),
	}
}

// Validate returns an error if any identity field is missing.
func (k SessionKey) Validate() error {
	switch {
	case strings.TrimSpace(k.APIKey) == "":
		return errors.New("session key: api key is required")
	case strings.TrimSpace(k.Device) == "":
		return errors.New("session key: device name is required")
	case strings.TrimSpace(k.App) == "":
		return errors.New("session key: app name is required")
	case k.StartTime.IsZero():
		return errors.New("session key: start time is required")
	}
	return nil
}

// LogEntry is one structured log record from a device agent. The JSON field
// names match the agent wire format.
type LogEntry struct {
	Time  time.Time `json:"time"`
	Level string    `json:"logLevel"`
	Tag   string    `json:"tag,omitempty"`
	Text  string    `json:"text"`
}
