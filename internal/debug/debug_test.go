package debug

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func withBuffer(t *testing.T, lvl int) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	Init(lvl)
	t.Cleanup(func() {
		SetFormat("json")
		Init(LevelOff)
	})
	return &buf
}

func TestInit_OffProducesNothing(t *testing.T) {
	buf := withBuffer(t, LevelOff)
	Info("hello %d", 1)
	Live("live")
	Error(nil)
	if buf.Len() != 0 {
		t.Errorf("expected no output at level 0, got %q", buf.String())
	}
}

func TestInfo_JSONLine(t *testing.T) {
	buf := withBuffer(t, LevelInfo)
	Info("plan has %d frames", 3)

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if entry["message"] != "plan has 3 frames" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
}

func TestLevels_Filtering(t *testing.T) {
	cases := []struct {
		name    string
		level   int
		emit    func()
		visible bool
	}{
		{"live_hidden_at_info", LevelInfo, func() { Live("x") }, false},
		{"live_shown_at_live", LevelLive, func() { Live("x") }, true},
		{"verbose_hidden_at_live", LevelLive, func() { Verbose("x") }, false},
		{"verbose_shown_at_verbose", LevelVerbose, func() { Verbose("x") }, true},
		{"gpio_hidden_at_verbose", LevelVerbose, func() { GPIO("WritePin", 24, true) }, false},
		{"gpio_shown_at_trace", LevelTrace, func() { GPIO("WritePin", 24, true) }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := withBuffer(t, tc.level)
			tc.emit()
			if got := buf.Len() > 0; got != tc.visible {
				t.Errorf("visible = %v, want %v (output %q)", got, tc.visible, buf.String())
			}
		})
	}
}

func TestLogger_Component(t *testing.T) {
	buf := withBuffer(t, LevelInfo)
	l := Logger("session")
	l.Info().Msg("opened")
	if !strings.Contains(buf.String(), `"component":"session"`) {
		t.Errorf("missing component field: %q", buf.String())
	}
}

func TestIsEnabled(t *testing.T) {
	withBuffer(t, LevelLive)
	if !IsEnabled(LevelInfo) || !IsEnabled(LevelLive) {
		t.Error("info and live should be enabled at level 2")
	}
	if IsEnabled(LevelVerbose) {
		t.Error("verbose should be disabled at level 2")
	}
}

func TestSetFormat_Console(t *testing.T) {
	buf := withBuffer(t, LevelInfo)
	SetFormat("console")
	l := Logger("app")
	l.Info().Msg("ready")

	out := buf.String()
	if strings.HasPrefix(out, "{") {
		t.Errorf("console output looks like JSON: %q", out)
	}
	if !strings.Contains(out, "ready") || !strings.Contains(out, "component=app") {
		t.Errorf("console output = %q", out)
	}
}
