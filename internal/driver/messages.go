package driver

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound actions.
const (
	ActionInitialize      = "INITIALIZE"
	ActionCheckForUpdates = "CHECK_FOR_UPDATES"
	ActionActivateUpdate  = "ACTIVATE_UPDATE"
)

// Outbound event types.
const (
	EventStatus                    = "STATUS"
	EventUpdateAvailable           = "UPDATE_AVAILABLE"
	EventUpdateActivated           = "UPDATE_ACTIVATED"
	EventVersionDetected           = "VERSION_DETECTED"
	EventVersionInstallationFailed = "VERSION_INSTALLATION_FAILED"
	EventUnrecoverableState        = "UNRECOVERABLE_STATE"
	EventPush                      = "PUSH"
	EventNotificationClick         = "NOTIFICATION_CLICK"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownAction    = errors.New("unknown action")
)

// Message is a decoded client-to-driver message.
type Message interface {
	Action() string
}

// Initialize asks the driver to initialize without doing anything else.
type Initialize struct{}

// CheckForUpdates asks for an update check; the outcome is reported as a
// STATUS event carrying Nonce.
type CheckForUpdates struct {
	Nonce int64
}

// ActivateUpdate moves the sending client to the latest version.
type ActivateUpdate struct {
	Nonce int64
}

func (Initialize) Action() string      { return ActionInitialize }
func (CheckForUpdates) Action() string { return ActionCheckForUpdates }
func (ActivateUpdate) Action() string  { return ActionActivateUpdate }

type envelope struct {
	Action      string       `json:"action"`
	StatusNonce *json.Number `json:"statusNonce"`
	Nonce       *json.Number `json:"nonce"`
}

func (e *envelope) nonce() (int64, error) {
	n := e.StatusNonce
	if n == nil {
		n = e.Nonce
	}
	if n == nil {
		return 0, nil
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("%w: bad nonce %q", ErrMalformedMessage, n.String())
	}
	return int64(f), nil
}

// DecodeMessage parses a client message. Both "statusNonce" and "nonce"
// are accepted for the operation nonce.
func DecodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Action == "" {
		return nil, fmt.Errorf("%w: missing action", ErrMalformedMessage)
	}
	nonce, err := env.nonce()
	if err != nil {
		return nil, err
	}
	switch env.Action {
	case ActionInitialize:
		return Initialize{}, nil
	case ActionCheckForUpdates:
		return CheckForUpdates{Nonce: nonce}, nil
	case ActionActivateUpdate:
		return ActivateUpdate{Nonce: nonce}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, env.Action)
	}
}

// VersionDescriptor identifies a version to clients.
type VersionDescriptor struct {
	Hash    string          `json:"hash"`
	AppData json.RawMessage `json:"appData,omitempty"`
}

func describe(v Version) VersionDescriptor {
	return VersionDescriptor{Hash: v.Hash(), AppData: v.Manifest().AppData}
}

type StatusEvent struct {
	Type   string `json:"type"`
	Nonce  int64  `json:"nonce"`
	Status bool   `json:"status"`
	Error  string `json:"error,omitempty"`
}

type UpdateAvailableEvent struct {
	Type      string            `json:"type"`
	Current   VersionDescriptor `json:"current"`
	Available VersionDescriptor `json:"available"`
}

type UpdateActivatedEvent struct {
	Type     string             `json:"type"`
	Previous *VersionDescriptor `json:"previous,omitempty"`
	Current  VersionDescriptor  `json:"current"`
}

type VersionDetectedEvent struct {
	Type    string            `json:"type"`
	Version VersionDescriptor `json:"version"`
}

type VersionInstallationFailedEvent struct {
	Type    string            `json:"type"`
	Version VersionDescriptor `json:"version"`
	Error   string            `json:"error"`
}

type UnrecoverableStateEvent struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type PushEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NotificationClickEvent reports a click on a notification the driver
// showed.
type NotificationClickEvent struct {
	Type string                `json:"type"`
	Data NotificationClickData `json:"data"`
}

type NotificationClickData struct {
	Action       string         `json:"action"`
	Notification map[string]any `json:"notification"`
}
