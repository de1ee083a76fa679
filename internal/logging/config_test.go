package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":    zerolog.TraceLevel,
		" DEBUG ":  zerolog.DebugLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"off":      zerolog.Disabled,
		"inactive": zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok || got != want {
			t.Fatalf("parseLevel(%q) got=%v ok=%v want=%v", raw, got, ok, want)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("expected unknown level to be rejected")
	}
	if _, ok := parseLevel(""); ok {
		t.Fatalf("expected empty level to be ignored")
	}
}

func TestParseBool(t *testing.T) {
	if v, ok := parseBool("true"); !ok || !v {
		t.Fatalf("true got=%v ok=%v", v, ok)
	}
	if v, ok := parseBool(" 0 "); !ok || v {
		t.Fatalf("0 got=%v ok=%v", v, ok)
	}
	if _, ok := parseBool("maybe"); ok {
		t.Fatalf("expected invalid bool to be ignored")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogNoColor, "true")
	t.Setenv(EnvLogTimestamp, "false")
	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("level got=%v", cfg.Level)
	}
	if !cfg.NoColor || cfg.Timestamp {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestApplyBypassWritesJSON(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	apply(Config{Level: zerolog.InfoLevel, Bypass: true, Out: &buf})
	Infof("logging.test key=%q", "value")
	if !strings.Contains(buf.String(), `"message":"logging.test key=\"value\""`) {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

func TestWriterKeepsLevels(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = zerolog.New(&buf)

	w := Writer("memberlist")
	_, _ = w.Write([]byte("2026/01/01 00:00:00 [WARN] memberlist: suspect node\n"))
	_, _ = w.Write([]byte("plain line\n"))

	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, `"component":"memberlist"`) {
		t.Fatalf("warn line not tagged got=%s", out)
	}
	if !strings.Contains(out, `"level":"debug"`) {
		t.Fatalf("untagged line not debug got=%s", out)
	}
}
