// Package protocol implements the newline-delimited JSON wire format spoken
// between mutexd and its clients.
//
// Every frame is a single JSON object of the form
//
//	{"command": <name>, "params": {...}}
//
// terminated by one line feed.
package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pixperk/mutexd/pkg/types"
)

type frame struct {
	Command types.CommandName `json:"command"`
	Params  json.RawMessage   `json:"params"`
}

type lockParams struct {
	ID        *string `json:"id"`
	TimeoutMS *int64  `json:"timeout_ms"`
}

type releaseParams struct {
	ID *string `json:"id"`
}

type responseParams struct {
	ID      *string `json:"id"`
	Success *bool   `json:"success"`
}

// largest timeout_ms that still fits in a time.Duration
const maxTimeoutMS = math.MaxInt64 / int64(time.Millisecond)

// DecodeRequest parses one request frame (without its line feed).
// It returns types.ErrUnknownCommand for a well-formed frame naming a command
// the server does not implement and types.ErrMalformedFrame for everything
// else that cannot be decoded.
func DecodeRequest(data []byte) (types.Command, error) {
	f, err := decodeFrame(data)
	if err != nil {
		return nil, err
	}

	switch f.Command {
	case types.CommandLock:
		if err := checkKeys(f.Params, "id", "timeout_ms"); err != nil {
			return nil, err
		}
		var p lockParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, fmt.Errorf("%w: lock params: %v", types.ErrMalformedFrame, err)
		}
		if p.ID == nil {
			return nil, fmt.Errorf("%w: lock params: missing id", types.ErrMalformedFrame)
		}
		cmd := types.LockCommand{ID: *p.ID}
		if p.TimeoutMS != nil {
			ms := *p.TimeoutMS
			if ms < 0 {
				return nil, fmt.Errorf("%w: negative timeout_ms %d", types.ErrMalformedFrame, ms)
			}
			if ms > maxTimeoutMS {
				ms = maxTimeoutMS
			}
			cmd.Timeout = time.Duration(ms) * time.Millisecond
			cmd.HasTimeout = true
		}
		return cmd, nil

	case types.CommandRelease:
		if err := checkKeys(f.Params, "id"); err != nil {
			return nil, err
		}
		var p releaseParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, fmt.Errorf("%w: release params: %v", types.ErrMalformedFrame, err)
		}
		if p.ID == nil {
			return nil, fmt.Errorf("%w: release params: missing id", types.ErrMalformedFrame)
		}
		return types.ReleaseCommand{ID: *p.ID}, nil

	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownCommand, f.Command)
	}
}

// EncodeResponse renders a response frame including the trailing line feed.
func EncodeResponse(resp types.Response) ([]byte, error) {
	switch resp.Command {
	case types.CommandLockResponse, types.CommandReleaseResponse:
	default:
		return nil, fmt.Errorf("%w: %q is not a response", types.ErrUnknownCommand, resp.Command)
	}
	id, success := resp.ID, resp.Success
	return encodeFrame(resp.Command, responseParams{ID: &id, Success: &success})
}

// EncodeRequest renders a request frame including the trailing line feed.
// A lock command without a timeout is sent with "timeout_ms": null.
func EncodeRequest(cmd types.Command) ([]byte, error) {
	switch c := cmd.(type) {
	case types.LockCommand:
		id := c.ID
		p := lockParams{ID: &id}
		if c.HasTimeout {
			ms := c.Timeout.Milliseconds()
			p.TimeoutMS = &ms
		}
		return encodeFrame(types.CommandLock, p)
	case types.ReleaseCommand:
		id := c.ID
		return encodeFrame(types.CommandRelease, releaseParams{ID: &id})
	default:
		return nil, fmt.Errorf("%w: %T", types.ErrUnknownCommand, cmd)
	}
}

// DecodeResponse parses one response frame (without its line feed).
func DecodeResponse(data []byte) (types.Response, error) {
	f, err := decodeFrame(data)
	if err != nil {
		return types.Response{}, err
	}
	switch f.Command {
	case types.CommandLockResponse, types.CommandReleaseResponse:
	default:
		return types.Response{}, fmt.Errorf("%w: %q", types.ErrUnknownCommand, f.Command)
	}

	var p responseParams
	if err := json.Unmarshal(f.Params, &p); err != nil {
		return types.Response{}, fmt.Errorf("%w: response params: %v", types.ErrMalformedFrame, err)
	}
	if p.ID == nil || p.Success == nil {
		return types.Response{}, fmt.Errorf("%w: response params: missing id or success", types.ErrMalformedFrame)
	}
	return types.Response{
		Command: f.Command,
		ID:      *p.ID,
		Success: *p.Success,
	}, nil
}

// ids are compared byte for byte, and encoding/json would replace invalid
// sequences with U+FFFD, so distinct ids could collide
func decodeFrame(data []byte) (frame, error) {
	if !utf8.Valid(data) {
		return frame{}, fmt.Errorf("%w: invalid utf-8", types.ErrMalformedFrame)
	}
	if err := checkKeys(data, "command", "params"); err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("%w: %v", types.ErrMalformedFrame, err)
	}
	if f.Command == "" {
		return frame{}, fmt.Errorf("%w: missing command", types.ErrMalformedFrame)
	}
	if len(f.Params) == 0 || string(f.Params) == "null" {
		return frame{}, fmt.Errorf("%w: missing params", types.ErrMalformedFrame)
	}
	return f, nil
}

// rejects keys that differ from a known name only by case, encoding/json
// would otherwise bind them to the known field
// unknown keys are left alone
func checkKeys(obj []byte, known ...string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(obj, &fields); err != nil {
		return fmt.Errorf("%w: %v", types.ErrMalformedFrame, err)
	}
	for key := range fields {
		for _, name := range known {
			if key != name && strings.EqualFold(key, name) {
				return fmt.Errorf("%w: key %q must be spelled %q", types.ErrMalformedFrame, key, name)
			}
		}
	}
	return nil
}

func encodeFrame(name types.CommandName, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	out, err := json.Marshal(frame{Command: name, Params: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return append(out, '\n'), nil
}
