package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Status string

const (
	StatusProgress     Status = "PROGRESS"
	StatusVerdict      Status = "VERDICT"
	StatusFinalVerdict Status = "FINAL_VERDICT"
	StatusInfo         Status = "INFO"
	StatusError        Status = "ERROR"
)

// finishedPrefix marks INFO messages that end a submission (FINISHED_SUCCESS, FINISHED_FAILURE, ...)
const finishedPrefix = "FINISHED_"

var ErrInvalidEvent = errors.New("invalid event")

// Event is one status update emitted by a worker for a submission.
// Message is passed through to the browser untouched.
type Event struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

func (s Status) Valid() bool {
	switch s {
	case StatusProgress, StatusVerdict, StatusFinalVerdict, StatusInfo, StatusError:
		return true
	}
	return false
}

// Parse builds an Event from the raw wire fields and checks that the
// message has the shape its status requires.
func Parse(status, message string) (Event, error) {
	ev := Event{Status: Status(status), Message: message}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (e Event) Validate() error {
	if !e.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, e.Status)
	}

	switch e.Status {
	case StatusVerdict, StatusFinalVerdict:
		// verdict payloads are JSON objects the browser parses
		trimmed := strings.TrimSpace(e.Message)
		if !strings.HasPrefix(trimmed, "{") || !json.Valid([]byte(trimmed)) {
			return fmt.Errorf("%w: %s message must be a JSON object", ErrInvalidEvent, e.Status)
		}
	default:
		if strings.TrimSpace(e.Message) == "" {
			return fmt.Errorf("%w: %s message is empty", ErrInvalidEvent, e.Status)
		}
	}
	return nil
}

// Terminal reports whether the event ends a submission from the consumer's
// point of view. The relay itself never acts on it.
func (e Event) Terminal() bool {
	if e.Status == StatusFinalVerdict {
		return true
	}
	return e.Status == StatusInfo && strings.HasPrefix(e.Message, finishedPrefix)
}

// JSON encodes the event without HTML escaping so the message reaches the
// browser exactly as the worker sent it.
func (e Event) JSON() ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(e); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Frame returns the SSE frame for the event: "data: <json>\n\n".
func (e Event) Frame() ([]byte, error) {
	data, err := e.JSON()
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}
