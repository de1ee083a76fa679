package logging

import (
	"bytes"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type levelWriter struct {
	component string
}

// Writer adapts libraries that log through the standard log package. Lines
// tagged [DEBUG], [INFO], [WARN] or [ERR] keep their level; the rest log at
// debug.
func Writer(component string) io.Writer {
	return levelWriter{component: component}
}

func (w levelWriter) Write(p []byte) (int, error) {
	line := bytes.TrimSpace(p)
	level := zerolog.DebugLevel
	switch {
	case bytes.Contains(line, []byte("[ERR]")), bytes.Contains(line, []byte("[ERROR]")):
		level = zerolog.ErrorLevel
	case bytes.Contains(line, []byte("[WARN]")):
		level = zerolog.WarnLevel
	case bytes.Contains(line, []byte("[INFO]")):
		level = zerolog.InfoLevel
	}
	log.WithLevel(level).Str("component", w.component).Msg(string(line))
	return len(p), nil
}
