package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownNotification is returned by DecodeNotification for envelope types
// the coordinator does not understand.
var ErrUnknownNotification = errors.New("unknown notification type")

// Notification is a message pushed by the worker outside of any request.
// The set of variants is closed: Progress, Complete, Failure and Cleared.
type Notification interface {
	NotificationType() NotificationType
	notification()
}

// Progress reports how many chapters of an item have been cached so far.
type Progress struct {
	ItemKey     string `json:"itemKey"`
	Completed   int    `json:"completed"`
	Total       int    `json:"total"`
	CurrentItem string `json:"currentItem,omitempty"`
}

// Complete reports that an item finished caching.
type Complete struct {
	ItemKey   string `json:"itemKey"`
	ItemCount int    `json:"itemCount"`
}

// Failure reports that caching an item failed. It travels as ERROR.
type Failure struct {
	ItemKey string `json:"itemKey"`
	Error   string `json:"error"`
}

// Cleared acknowledges that the whole cache was purged.
type Cleared struct {
	ItemsCleared int `json:"itemsCleared"`
}

func (Progress) NotificationType() NotificationType { return TypeProgress }
func (Complete) NotificationType() NotificationType { return TypeComplete }
func (Failure) NotificationType() NotificationType  { return TypeError }
func (Cleared) NotificationType() NotificationType  { return TypeCleared }

func (Progress) notification() {}
func (Complete) notification() {}
func (Failure) notification()  {}
func (Cleared) notification()  {}

// DecodeNotification turns a wire envelope into its typed notification.
func DecodeNotification(env Envelope) (Notification, error) {
	var (
		n   Notification
		err error
	)

	switch NotificationType(env.Type) {
	case TypeProgress:
		var p Progress
		err = decodeData(env.Data, &p)
		n = p
	case TypeComplete:
		var c Complete
		err = decodeData(env.Data, &c)
		n = c
	case TypeError:
		var f Failure
		err = decodeData(env.Data, &f)
		n = f
	case TypeCleared:
		var c Cleared
		err = decodeData(env.Data, &c)
		n = c
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNotification, env.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to decode %s notification: %w", env.Type, err)
	}

	return n, nil
}

// EncodeNotification is the inverse of DecodeNotification. Workers and tests
// use it to produce wire envelopes.
func EncodeNotification(n Notification) (Envelope, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s notification: %w", n.NotificationType(), err)
	}

	return Envelope{Type: string(n.NotificationType()), Data: data}, nil
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing data")
	}

	return json.Unmarshal(data, v)
}
