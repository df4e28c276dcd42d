/*
   devc: The lightweight, native Go CLI for devcontainers
   Copyright (C) 2025  Neil Santos

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.
*/

// Package progress houses the structured event sink devc routes its
// diagnostic logs and machine-readable progress events through. Every
// line it writes passes through a redact.Registry first.
package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/nlsantos/devc/internal/redact"
)

// Format selects how Sink renders progress events.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Event is a single structured record. Type follows the dotted
// taxonomy named in the component design (config.resolve,
// container.create, feature.install, lifecycle.run, port.event, ...).
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Sink is the single write path for both free-form diagnostic log
// lines and structured progress events. It is safe for concurrent
// use, since lifecycle phases and feature installs may emit from
// multiple goroutines at once.
type Sink struct {
	mu           sync.Mutex
	format       Format
	out          io.Writer
	stdout       io.Writer
	progressFile io.Writer
	redactor     *redact.Registry
}

// NewSink returns a Sink that writes logs to out (normally
// os.Stderr), command payloads to stdout (normally os.Stdout), and
// optionally appends the JSON form of every progress event to
// progressFile when non-nil. redactor may be nil, in which case no
// redaction is applied.
func NewSink(format Format, out io.Writer, stdout io.Writer, progressFile io.Writer, redactor *redact.Registry) *Sink {
	if redactor == nil {
		redactor = redact.NewRegistry()
		redactor.Disable()
	}
	return &Sink{
		format:       format,
		out:          out,
		stdout:       stdout,
		progressFile: progressFile,
		redactor:     redactor,
	}
}

// Log writes a diagnostic event to stderr, formatted per the sink's
// configured Format and redacted before it ever reaches the writer.
func (s *Sink) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.write(s.out, event)
}

// Progress writes a structured progress event to stderr and, if a
// progress file was configured, additionally appends its JSON form
// there as a newline-delimited record, regardless of the sink's
// display Format.
func (s *Sink) Progress(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.write(s.out, event)

	if s.progressFile == nil {
		return
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.progressFile.Write(s.redactor.RedactBytes(append(encoded, '\n')))
}

// Payload writes a command's stdout result (e.g. the resolved
// configuration for read-configuration, or the container id for up)
// to stdout, redacted like everything else the sink writes.
func (s *Sink) Payload(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.stdout.Write(s.redactor.RedactBytes(data))
}

func (s *Sink) write(w io.Writer, event Event) {
	var line string
	switch s.format {
	case FormatJSON:
		encoded, err := json.Marshal(event)
		if err != nil {
			line = fmt.Sprintf(`{"type":"sink.error","error":%q}`, err.Error())
		} else {
			line = string(encoded)
		}
	default:
		line = renderText(event)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(w, s.redactor.Redact(line))
}

// renderText produces the human-readable rendering used by the
// teacher's existing prefixed-printf helpers, generalized to a
// structured event rather than a hand-built format string.
func renderText(event Event) string {
	prefix := color.New(color.BgHiGreen, color.FgBlack).Sprintf(" %s ", event.Type)
	if len(event.Fields) == 0 {
		return prefix
	}

	keys := make([]string, 0, len(event.Fields))
	for k := range event.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	line := prefix
	for _, k := range keys {
		line += fmt.Sprintf(" %s=%v", k, event.Fields[k])
	}
	return line
}

// OpenProgressFile opens path for appending, creating it if
// necessary, suitable for passing to NewSink as progressFile.
func OpenProgressFile(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}
