// Package protocol defines the messages exchanged between the coordinator and
// the caching worker. Every message travels as a JSON {type, data} envelope.
package protocol

import (
	"encoding/json"
	"fmt"
)

// CommandType identifies a coordinator to worker command.
type CommandType string

const (
	TypeCacheBegin    CommandType = "CACHE_BEGIN"
	TypeCacheCancel   CommandType = "CACHE_CANCEL"
	TypeClearAll      CommandType = "CLEAR_ALL"
	TypeGetStatus     CommandType = "GET_STATUS"
	TypeGetItemStatus CommandType = "GET_ITEM_STATUS"
)

// NotificationType identifies a worker to coordinator notification.
type NotificationType string

const (
	TypeProgress NotificationType = "PROGRESS"
	TypeComplete NotificationType = "COMPLETE"
	TypeError    NotificationType = "ERROR"
	TypeCleared  NotificationType = "CLEARED"
)

// Envelope is the wire form of every message. ID and Error are only used by
// transports that multiplex replies over a shared stream.
type Envelope struct {
	ID    string          `json:"id,omitempty"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Reply is the single response a worker sends back for a command.
type Reply struct {
	Data  json.RawMessage
	Error string
}

// Command is a request the coordinator sends to the worker.
type Command interface {
	CommandType() CommandType
}

type CacheBegin struct {
	ItemKey  string `json:"itemKey"`
	BasePath string `json:"basePath"`
}

type CacheCancel struct {
	ItemKey string `json:"itemKey"`
}

type ClearAll struct{}

type GetStatus struct{}

type GetItemStatus struct {
	ItemKey  string `json:"itemKey"`
	BasePath string `json:"basePath"`
}

func (CacheBegin) CommandType() CommandType    { return TypeCacheBegin }
func (CacheCancel) CommandType() CommandType   { return TypeCacheCancel }
func (ClearAll) CommandType() CommandType      { return TypeClearAll }
func (GetStatus) CommandType() CommandType     { return TypeGetStatus }
func (GetItemStatus) CommandType() CommandType { return TypeGetItemStatus }

// Encode wraps a command in its wire envelope. Commands without a payload
// carry no data field.
func Encode(cmd Command) (Envelope, error) {
	env := Envelope{Type: string(cmd.CommandType())}

	switch cmd.(type) {
	case ClearAll, GetStatus, *ClearAll, *GetStatus:
		return env, nil
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s: %w", cmd.CommandType(), err)
	}

	env.Data = data

	return env, nil
}

// StatusReply is the worker's answer to GET_STATUS.
type StatusReply struct {
	ChapterCount int   `json:"chapterCount"`
	SizeBytes    int64 `json:"sizeBytes"`
}

// ItemStatusReply is the worker's answer to GET_ITEM_STATUS.
type ItemStatusReply struct {
	ItemKey        string `json:"itemKey"`
	CachedChapters int    `json:"cachedChapters"`
	CachedBooks    int    `json:"cachedBooks"`
	TotalChapters  int    `json:"totalChapters"`
	IsFullyCached  bool   `json:"isFullyCached"`
}

// ClearedReply is the payload of CLEARED, either as the reply to CLEAR_ALL or
// as an unsolicited notification.
type ClearedReply struct {
	ItemsCleared int `json:"itemsCleared"`
}
