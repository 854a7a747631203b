package events

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		message string
		wantErr bool
	}{
		{"progress", "PROGRESS", "QUEUED", false},
		{"verdict", "VERDICT", `{"test_case":1,"verdict":"AC"}`, false},
		{"final verdict", "FINAL_VERDICT", `{"verdict":"AC","time_ms":12}`, false},
		{"info", "INFO", "FINISHED_SUCCESS", false},
		{"error", "ERROR", "compilation failed", false},
		{"unknown status", "DONE", "x", true},
		{"lowercase status", "verdict", `{"verdict":"AC"}`, true},
		{"verdict not json", "VERDICT", "AC", true},
		{"verdict json array", "VERDICT", `[1,2]`, true},
		{"verdict truncated json", "VERDICT", `{"verdict":`, true},
		{"empty progress", "PROGRESS", "  ", true},
		{"empty info", "INFO", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Parse(tt.status, tt.message)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidEvent) {
					t.Fatalf("Parse(%q, %q) error = %v, want ErrInvalidEvent", tt.status, tt.message, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q, %q) unexpected error: %v", tt.status, tt.message, err)
			}
			if string(ev.Status) != tt.status || ev.Message != tt.message {
				t.Errorf("Parse returned %+v", ev)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		ev   Event
		want bool
	}{
		{Event{Status: StatusFinalVerdict, Message: `{}`}, true},
		{Event{Status: StatusInfo, Message: "FINISHED_SUCCESS"}, true},
		{Event{Status: StatusInfo, Message: "FINISHED_FAILURE"}, true},
		{Event{Status: StatusInfo, Message: "COMPILING"}, false},
		{Event{Status: StatusVerdict, Message: `{}`}, false},
		{Event{Status: StatusError, Message: "FINISHED_"}, false},
	}
	for _, tt := range tests {
		if got := tt.ev.Terminal(); got != tt.want {
			t.Errorf("%+v.Terminal() = %v, want %v", tt.ev, got, tt.want)
		}
	}
}

func TestFrame(t *testing.T) {
	ev := Event{Status: StatusVerdict, Message: `{"test_case":1,"verdict":"AC"}`}
	frame, err := ev.Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	want := `data: {"status":"VERDICT","message":"{\"test_case\":1,\"verdict\":\"AC\"}"}` + "\n\n"
	if string(frame) != want {
		t.Errorf("Frame() = %q, want %q", frame, want)
	}
}

func TestFrameDoesNotEscapeHTML(t *testing.T) {
	ev := Event{Status: StatusError, Message: "expected <int> & got <str>"}
	frame, err := ev.Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	want := `data: {"status":"ERROR","message":"expected <int> & got <str>"}` + "\n\n"
	if string(frame) != want {
		t.Errorf("Frame() = %q, want %q", frame, want)
	}
}
