package relay

import "testing"

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		event   string
	}{
		{"bare event", `{"event":"clear-board"}`, false, EventClearBoard},
		{"with data", `{"event":"draw","data":{"x":1}}`, false, EventDraw},
		{"missing name", `{"data":{}}`, true, ""},
		{"unknown field", `{"event":"draw","extra":1}`, true, ""},
		{"trailing data", `{"event":"draw"}{"event":"draw"}`, true, ""},
		{"not json", `draw`, true, ""},
		{"truncated", `{"event":"dr`, true, ""},
		{"empty", ``, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseEvent(%q) succeeded, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEvent(%q): %v", tt.input, err)
			}
			if ev.Name != tt.event {
				t.Fatalf("event = %q, want %q", ev.Name, tt.event)
			}
		})
	}
}

func TestDecodeStrict(t *testing.T) {
	var creds credentials
	if err := decodeStrict([]byte(`{"username":"ada","password":"pw"}`), &creds); err != nil {
		t.Fatalf("decodeStrict: %v", err)
	}
	if creds.Username != "ada" || creds.Password != "pw" {
		t.Fatalf("decoded %+v", creds)
	}

	if err := decodeStrict([]byte(`{"username":"ada","admin":true}`), &credentials{}); err == nil {
		t.Fatalf("unknown payload field accepted")
	}
	if err := decodeStrict(nil, &credentials{}); err == nil {
		t.Fatalf("missing payload accepted")
	}
}
