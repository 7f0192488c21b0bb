package protocol

import (
	"encoding/json"
	"testing"
)

func TestClientMessage_Encode(t *testing.T) {
	tests := []struct {
		name string
		msg  ClientMessage
		want map[string]any
	}{
		{
			name: "status",
			msg:  Status(),
			want: map[string]any{"type": "status"},
		},
		{
			name: "force_start with reason",
			msg:  ForceStart("speech"),
			want: map[string]any{"type": "force_start", "reason": "speech"},
		},
		{
			name: "set_threshold",
			msg:  SetThreshold(0.002),
			want: map[string]any{"type": "set_threshold", "threshold": 0.002},
		},
		{
			name: "stop",
			msg:  Stop(),
			want: map[string]any{"type": "stop"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.msg.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Errorf("field count: got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("field %q: got %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestParseServer(t *testing.T) {
	raw := `{"type":"interview_ended","reason":"time_limit","can_rejoin":true}`
	m, err := ParseServer([]byte(raw))
	if err != nil {
		t.Fatalf("ParseServer: %v", err)
	}
	if m.Type != TypeInterviewEnded {
		t.Errorf("type: got %q, want %q", m.Type, TypeInterviewEnded)
	}
	if m.Reason != "time_limit" || !m.CanRejoin {
		t.Errorf("unexpected fields: %+v", m)
	}
}

func TestParseServer_Warning(t *testing.T) {
	m, err := ParseServer([]byte(`{"type":"warning","remaining_seconds":60}`))
	if err != nil {
		t.Fatalf("ParseServer: %v", err)
	}
	if m.RemainingSeconds != 60 {
		t.Errorf("remaining_seconds: got %d, want 60", m.RemainingSeconds)
	}
}

func TestParseServer_UnknownTypePassesThrough(t *testing.T) {
	m, err := ParseServer([]byte(`{"type":"future_thing"}`))
	if err != nil {
		t.Fatalf("ParseServer: %v", err)
	}
	if m.Type != "future_thing" {
		t.Errorf("type: got %q", m.Type)
	}
}

func TestParseServer_Invalid(t *testing.T) {
	if _, err := ParseServer([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := ParseServer([]byte(`{}`)); err == nil {
		t.Error("expected error for missing type")
	}
}
