package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/invoicedl/internal/downloads"
	"github.com/ent0n29/invoicedl/internal/state"
	"github.com/ent0n29/invoicedl/internal/tasks"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// client -> server
	TypeAttach            MessageType = "attach"
	TypeGetState          MessageType = "get_state"
	TypeStartAll          MessageType = "start_all"
	TypeStartISDOC        MessageType = "start_isdoc"
	TypeStop              MessageType = "stop"
	TypeClearData         MessageType = "clear_data"
	TypeRetry             MessageType = "retry"
	TypeRunRowResult      MessageType = "run_row_result"
	TypeDownloadChanged   MessageType = "download_changed"
	TypeDetermineFilename MessageType = "determine_filename"

	// server -> client
	TypeState              MessageType = "state"
	TypeStatus             MessageType = "status"
	TypeRunRow             MessageType = "run_row"
	TypeFilenameSuggestion MessageType = "filename_suggestion"
	TypeErrorEvent         MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Attach carries the rows discovered on the page. Omitted rows keep the
// previously attached list.
type Attach struct {
	Type MessageType      `json:"type"`
	Rows []tasks.WorkItem `json:"rows,omitempty"`
}

// Command is any payload-free client command.
type Command struct {
	Type MessageType `json:"type"`
}

type Retry struct {
	Type   MessageType `json:"type"`
	ItemID string      `json:"item_id"`
	Mode   tasks.Mode  `json:"mode"`
}

type RunRowResult struct {
	Type  MessageType `json:"type"`
	RunID string      `json:"run_id"`
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
}

type DownloadChanged struct {
	Type  MessageType     `json:"type"`
	Entry downloads.Entry `json:"entry"`
}

type DetermineFilename struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	downloads.DownloadInfo
}

type StateEvent struct {
	Type  MessageType `json:"type"`
	State state.State `json:"state"`
}

type StatusEvent struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// RunRow asks the executor to download one format of one item.
type RunRow struct {
	Type    MessageType `json:"type"`
	ItemID  string      `json:"item_id"`
	GroupID string      `json:"group_id"`
	Mode    tasks.Mode  `json:"mode"`
	RunID   string      `json:"run_id"`
}

type FilenameSuggestion struct {
	Type           MessageType `json:"type"`
	RequestID      string      `json:"request_id"`
	Filename       string      `json:"filename,omitempty"`
	ConflictAction string      `json:"conflict_action,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAttach:
		var msg Attach
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		for _, r := range msg.Rows {
			if strings.TrimSpace(r.ItemID) == "" {
				return nil, errors.New("invalid attach: row without item_id")
			}
		}
		return msg, nil
	case TypeGetState, TypeStartAll, TypeStartISDOC, TypeStop, TypeClearData:
		return Command{Type: env.Type}, nil
	case TypeRetry:
		var msg Retry
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.ItemID) == "" {
			return nil, errors.New("invalid retry")
		}
		mode, err := tasks.ParseMode(string(msg.Mode))
		if err != nil {
			return nil, err
		}
		msg.Mode = mode
		return msg, nil
	case TypeRunRowResult:
		var msg RunRowResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.RunID) == "" {
			return nil, errors.New("invalid run_row_result")
		}
		return msg, nil
	case TypeDownloadChanged:
		var msg DownloadChanged
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Entry.Path) == "" {
			return nil, errors.New("invalid download_changed")
		}
		return msg, nil
	case TypeDetermineFilename:
		var msg DetermineFilename
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RequestID == "" {
			return nil, errors.New("invalid determine_filename")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
