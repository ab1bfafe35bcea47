package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewWithOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithOutput(&buf, "debug", "json")
	if err != nil {
		t.Fatal(err)
	}
	if log.GetLevel() != logrus.DebugLevel {
		t.Errorf("unexpected level %s", log.GetLevel())
	}

	log.WithField("host", "web01").Info("connected")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json line, got %q: %v", buf.String(), err)
	}
	if entry["host"] != "web01" || entry["msg"] != "connected" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNewWithOutput_Invalid(t *testing.T) {
	var buf bytes.Buffer
	if _, err := NewWithOutput(&buf, "loud", "text"); err == nil {
		t.Error("expected error for bad level")
	}
	if _, err := NewWithOutput(&buf, "info", "xml"); err == nil {
		t.Error("expected error for bad format")
	}
}
