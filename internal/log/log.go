// Package log builds the single logger value that is created once by the
// CLI and handed to the orchestrator and every step runner.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type Options struct {
	// Level is one of debug, info, warn or error. Empty means info.
	Level string
	// File, if set, receives every record as JSON in addition to the console.
	File string
	// Quiet suppresses output produced by steps.
	Quiet bool
	// Out is the console sink for log records. Defaults to stderr.
	Out io.Writer
	// StepOut receives the lines produced by steps. Defaults to stdout.
	StepOut io.Writer
}

// Logger wraps a zerolog.Logger and adds a sink for step output.
type Logger struct {
	zerolog.Logger

	quiet   bool
	stepOut io.Writer
	file    *zerolog.Logger
	closer  io.Closer
	mu      sync.Mutex
}

func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	stepOut := opts.StepOut
	if stepOut == nil {
		stepOut = os.Stdout
	}

	console := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "15:04:05",
		FormatLevel: func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("%-5s", i))
		},
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			zerolog.MessageFieldName,
		},
	}

	l := &Logger{quiet: opts.Quiet, stepOut: stepOut}
	var writer io.Writer = console
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		fileLogger := zerolog.New(f).With().Timestamp().Logger()
		l.file = &fileLogger
		l.closer = f
		writer = zerolog.MultiLevelWriter(console, f)
	}
	l.Logger = zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return l, nil
}

// Nop returns a logger that discards everything, including step output.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop(), stepOut: io.Discard}
}

// NewTest returns a logger writing records and step output to the given
// writers with debug level enabled.
func NewTest(records, steps io.Writer) *Logger {
	return &Logger{
		Logger:  zerolog.New(records).Level(zerolog.DebugLevel),
		stepOut: steps,
	}
}

func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// StepInfo forwards one line produced by a step.
func (l *Logger) StepInfo(line string) {
	if l.file != nil {
		l.file.Info().Str("stream", "step").Msg(line)
	}
	if l.quiet {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.stepOut, line)
}

func (l *Logger) Quiet() bool {
	return l.quiet
}

func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
