package editor

import (
	"encoding/json"
	"fmt"
)

// Key names accepted by KeyPress.
type Key string

const (
	KeyEscape    Key = "Escape"
	KeyEnter     Key = "Enter"
	KeyBackspace Key = "Backspace"
	KeyDelete    Key = "Delete"
)

// Command is one discrete input event. Pointer coordinates are screen pixels.
type Command interface {
	commandType() string
}

type PointerDown struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type PointerMove struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type PointerUp struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type KeyPress struct {
	Key Key `json:"key"`
}

type TypeText struct {
	Text string `json:"text"`
}

type Blur struct{}

type SelectTool struct {
	Tool Tool `json:"tool"`
}

// Wheel zooms around the pointer. Negative Delta zooms in.
type Wheel struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Delta float64 `json:"delta"`
}

type DeleteSelection struct{}

type CopySelection struct{}

type Paste struct{}

// ResizeBox grows or shrinks a box by an image-space delta.
type ResizeBox struct {
	ID string  `json:"id"`
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

type UpdateText struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// SetScreen reports the size of the rendering surface.
type SetScreen struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (PointerDown) commandType() string     { return "pointer_down" }
func (PointerMove) commandType() string     { return "pointer_move" }
func (PointerUp) commandType() string       { return "pointer_up" }
func (KeyPress) commandType() string        { return "key" }
func (TypeText) commandType() string        { return "type_text" }
func (Blur) commandType() string            { return "blur" }
func (SelectTool) commandType() string      { return "select_tool" }
func (Wheel) commandType() string           { return "wheel" }
func (DeleteSelection) commandType() string { return "delete_selection" }
func (CopySelection) commandType() string   { return "copy_selection" }
func (Paste) commandType() string           { return "paste" }
func (ResizeBox) commandType() string       { return "resize_box" }
func (UpdateText) commandType() string      { return "update_text" }
func (SetScreen) commandType() string       { return "set_screen" }

// CommandType returns the wire name of a command.
func CommandType(cmd Command) string { return cmd.commandType() }

// DecodeCommand parses a {"type": ..., ...} envelope.
func DecodeCommand(data []byte) (Command, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	var cmd Command
	switch envelope.Type {
	case "pointer_down":
		cmd = decodeInto[PointerDown](data)
	case "pointer_move":
		cmd = decodeInto[PointerMove](data)
	case "pointer_up":
		cmd = decodeInto[PointerUp](data)
	case "key":
		cmd = decodeInto[KeyPress](data)
	case "type_text":
		cmd = decodeInto[TypeText](data)
	case "blur":
		return Blur{}, nil
	case "select_tool":
		cmd = decodeInto[SelectTool](data)
	case "wheel":
		cmd = decodeInto[Wheel](data)
	case "delete_selection":
		return DeleteSelection{}, nil
	case "copy_selection":
		return CopySelection{}, nil
	case "paste":
		return Paste{}, nil
	case "resize_box":
		cmd = decodeInto[ResizeBox](data)
	case "update_text":
		cmd = decodeInto[UpdateText](data)
	case "set_screen":
		cmd = decodeInto[SetScreen](data)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, envelope.Type)
	}
	if cmd == nil {
		return nil, fmt.Errorf("%w: malformed %s", ErrInvalidCommand, envelope.Type)
	}
	return cmd, nil
}

func decodeInto[T Command](data []byte) Command {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return v
}
