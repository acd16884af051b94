// Package logging builds the *log.Logger values handed to long-lived
// components, optionally writing to a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// File receives log output when set. It is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Stderr also writes to standard error when File is set.
	Stderr bool
}

// Output is a shared log destination. Loggers created from the same Output
// write to the same rotating file.
type Output struct {
	w      io.Writer
	closer io.Closer
}

// Open returns the destination described by opts.
func Open(opts Options) (*Output, error) {
	if opts.File == "" {
		return &Output{w: os.Stderr}, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, err
	}
	lj := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	out := &Output{w: lj, closer: lj}
	if opts.Stderr {
		out.w = io.MultiWriter(lj, os.Stderr)
	}
	return out, nil
}

// Logger returns a logger for one component, prefixed "[component] ".
func (o *Output) Logger(component string) *log.Logger {
	return log.New(o.w, "["+component+"] ", log.LstdFlags)
}

// Writer returns the underlying writer.
func (o *Output) Writer() io.Writer {
	return o.w
}

// Close closes the log file, if any.
func (o *Output) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer.Close()
}

// New opens a destination and returns one component logger from it. The
// returned closer releases the file.
func New(component string, opts Options) (*log.Logger, io.Closer, error) {
	out, err := Open(opts)
	if err != nil {
		return nil, nil, err
	}
	return out.Logger(component), out, nil
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
