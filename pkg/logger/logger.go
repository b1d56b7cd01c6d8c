package logger

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Can be one of:
//   - Prod
//   - Dev
//   - Staging
type Enviroment int

const (
	_ Enviroment = iota
	Prod
	Dev
	Staging
)

func (e Enviroment) String() string {
	switch e {
	case Prod:
		return "prod"
	case Dev:
		return "dev"
	case Staging:
		return "staging"
	default:
		return "unknown"
	}
}

// UnmarshalYAML lets configs name the environment: prod, dev, staging.
func (e *Enviroment) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "prod", "":
		*e = Prod
	case "dev":
		*e = Dev
	case "staging":
		*e = Staging
	default:
		return fmt.Errorf("unknown logger environment %q", s)
	}
	return nil
}

// NewLogger creates a new slog.Logger writing JSON to stdout.
// Dev enables debug level, Prod and Staging log info and above.
func NewLogger(env Enviroment, addSource bool) *slog.Logger {
	var level slog.Level

	switch env {
	case Prod, Staging:
		level = slog.LevelInfo
	case Dev:
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: addSource,
		Level:     level,
	})
	return slog.New(h)
}

// NewTestLogger returns a logger writing plain text into a buffer.
// Used by tests to assert on emitted log lines.
func NewTestLogger() (*bytes.Buffer, *slog.Logger) {
	b := &bytes.Buffer{}
	h := slog.NewTextHandler(b, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b, slog.New(h)
}

// ErrAttr wraps an error into a slog attribute with the "error" key.
func ErrAttr(err error) slog.Attr {
	return slog.String("error", err.Error())
}
