package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSetupRenamesCoreKeys(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := setup(&buf, "settlementd", "test", slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("transfer settled", MaskField("client_secret", "pi_1_secret"), MaskField("tx_hash", "0xabc"))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	checks := map[string]any{
		"message":       "transfer settled",
		"severity":      "INFO",
		"service":       "settlementd",
		"env":           "test",
		"client_secret": RedactedValue,
		"tx_hash":       "0xabc",
	}
	for key, want := range checks {
		if line[key] != want {
			t.Fatalf("%s = %v, want %v", key, line[key], want)
		}
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("timestamp missing: %v", line)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != slog.LevelDebug {
		t.Fatalf("debug not parsed")
	}
	if ParseLevel("WARN") != slog.LevelWarn {
		t.Fatalf("warn not parsed")
	}
	if ParseLevel("loud") != slog.LevelInfo {
		t.Fatalf("unknown level should default to info")
	}
}

func TestHandlerMasksSensitiveKeys(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := setup(&buf, "settlementd", "", slog.LevelInfo)
	logger.Info("payout opened",
		slog.String("client_secret", "pi_2_secret_abc"),
		slog.Group("card", slog.String("payment_method", "pm_card_visa"), slog.String("name", "Alice")),
		slog.String("intent_id", "pi_2"),
	)

	out := buf.String()
	for _, leaked := range []string{"pi_2_secret_abc", "pm_card_visa"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("log line leaked %q: %s", leaked, out)
		}
	}
	if !strings.Contains(out, `"intent_id":"pi_2"`) {
		t.Fatalf("intent id should stay visible: %s", out)
	}
}

func TestMaskField(t *testing.T) {
	if got := MaskField("email", "alice@example.com").Value.String(); got != RedactedValue {
		t.Fatalf("email = %q", got)
	}
	if got := MaskField("amount", "40").Value.String(); got != "40" {
		t.Fatalf("amount = %q", got)
	}
	if got := MaskField("secret_key", "").Value.String(); got != "" {
		t.Fatalf("empty values stay empty, got %q", got)
	}
}
