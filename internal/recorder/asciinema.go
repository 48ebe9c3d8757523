// Package recorder writes terminal sessions as asciinema v2 casts.
package recorder

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/remote-agent-terminal/dualterm/internal/model"
)

// Event codes of the asciinema v2 format.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
	EventMarker = "m"
)

// Header is the first line of an asciinema v2 cast.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one line after the header, encoded as [offset, code, data].
type Event struct {
	Offset float64
	Code   string
	Data   string
}

// MarshalJSON encodes the event as a three element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Offset, e.Code, e.Data})
}

// UnmarshalJSON decodes a three element array.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []any
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}

	offset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("invalid time offset type")
	}
	code, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("invalid event code type")
	}
	text, ok := arr[2].(string)
	if !ok {
		return fmt.Errorf("invalid event data type")
	}

	e.Offset, e.Code, e.Data = offset, code, text
	return nil
}

// Recorder appends session events to a cast. It is safe for concurrent use.
type Recorder struct {
	writer io.Writer
	file   *os.File // only set if we own the file
	start  time.Time

	mu     sync.Mutex
	closed bool
}

// Create opens a cast file at path, creating parent directories, and writes
// the header for the given geometry.
func Create(path string, g model.Geometry, title string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}

	r := &Recorder{writer: file, file: file, start: time.Now()}
	if err := r.writeHeader(g, title, map[string]string{"TERM": os.Getenv("TERM"), "SHELL": os.Getenv("SHELL")}); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// New writes the header to w and returns a Recorder appending to it.
func New(w io.Writer, g model.Geometry, title string) (*Recorder, error) {
	r := &Recorder{writer: w, start: time.Now()}
	if err := r.writeHeader(g, title, nil); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) writeHeader(g model.Geometry, title string, env map[string]string) error {
	if !g.Valid() {
		g = model.Geometry{Rows: 24, Cols: 80}
	}
	header := Header{
		Version:   2,
		Width:     g.Cols,
		Height:    g.Rows,
		Timestamp: r.start.Unix(),
		Title:     title,
		Env:       env,
	}

	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// WriteOutput records data received from the remote shell.
func (r *Recorder) WriteOutput(data []byte) error {
	return r.write(EventOutput, string(data))
}

// WriteInput records keystrokes sent to the remote shell.
func (r *Recorder) WriteInput(data []byte) error {
	return r.write(EventInput, string(data))
}

// WriteResize records a geometry change as "COLSxROWS".
func (r *Recorder) WriteResize(g model.Geometry) error {
	return r.write(EventResize, fmt.Sprintf("%dx%d", g.Cols, g.Rows))
}

// WriteMarker records a named marker, used for connection state changes.
func (r *Recorder) WriteMarker(label string) error {
	return r.write(EventMarker, label)
}

func (r *Recorder) write(code, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return os.ErrClosed
	}

	line, err := json.Marshal(Event{Offset: time.Since(r.start).Seconds(), Code: code, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := r.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close stops recording and closes the file if the recorder owns it.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// StartTime returns when the recording started.
func (r *Recorder) StartTime() time.Time {
	return r.start
}
