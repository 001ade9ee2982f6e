package obs

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerEmitsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf)

	l.Info(map[string]interface{}{"op": "acquire", "lock_key": "k"})
	l.Error(map[string]interface{}{"op": "release", "error": "boom"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}

	var first map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 1 is not JSON: %v", err)
	}
	if first["level"] != "info" || first["op"] != "acquire" || first["ts"] == nil {
		t.Fatalf("unexpected fields: %v", first)
	}

	var second map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("line 2 is not JSON: %v", err)
	}
	if second["level"] != "error" || second["error"] != "boom" {
		t.Fatalf("unexpected fields: %v", second)
	}
}
