package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/pkg/jsonmessage"
)

// StreamError is an error reported by the daemon inside a pull or build stream
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return e.Message
}

type layer struct {
	status  string
	current int64
	total   int64
	done    bool
}

// Tracker folds per-layer pull messages into a single Snapshot
type Tracker struct {
	ref    string
	layers map[string]*layer
}

// NewTracker creates a tracker for one pull of ref
func NewTracker(ref string) *Tracker {
	return &Tracker{
		ref:    ref,
		layers: map[string]*layer{},
	}
}

// Update applies one message and reports whether the snapshot changed
func (t *Tracker) Update(msg jsonmessage.JSONMessage) bool {
	if msg.ID == "" || strings.HasPrefix(msg.Status, "Pulling from") {
		return false
	}

	l, ok := t.layers[msg.ID]
	if !ok {
		l = &layer{}
		t.layers[msg.ID] = l
	}
	l.status = msg.Status

	switch msg.Status {
	case "Already exists", "Pull complete":
		l.done = true
		if l.total > 0 {
			l.current = l.total
		}
	case "Download complete":
		if l.total > 0 {
			l.current = l.total
		}
	case "Downloading":
		if msg.Progress != nil {
			l.current = msg.Progress.Current
			if msg.Progress.Total > 0 {
				l.total = msg.Progress.Total
			}
		}
	}
	return true
}

// Snapshot returns the current aggregate
func (t *Tracker) Snapshot() Snapshot {
	s := Snapshot{Reference: t.ref, LayersTotal: len(t.layers)}
	for _, l := range t.layers {
		if l.done {
			s.LayersDone++
		}
		s.Current += l.current
		s.Total += l.total
	}
	return s
}

// TrackPull consumes a pull stream, forwarding aggregated snapshots to sink.
// A daemon-reported error ends the stream with a *StreamError.
func TrackPull(body io.Reader, ref string, sink Sink) error {
	tracker := NewTracker(ref)
	decoder := json.NewDecoder(body)

	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("error reading pull stream: %w", err)
		}
		if err := streamError(msg); err != nil {
			return err
		}
		if tracker.Update(msg) {
			sink.Pull(tracker.Snapshot())
		}
	}

	if len(tracker.layers) > 0 {
		sink.Pull(tracker.Snapshot())
	}
	return nil
}

// TrackBuild consumes a build stream, forwarding output lines to sink.
// It returns the image ID announced by the daemon, if any.
func TrackBuild(body io.Reader, sink Sink) (string, error) {
	decoder := json.NewDecoder(body)
	imageID := ""

	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return imageID, fmt.Errorf("error reading build stream: %w", err)
		}
		if err := streamError(msg); err != nil {
			return imageID, err
		}

		if msg.Stream != "" {
			for _, line := range strings.Split(strings.TrimRight(msg.Stream, "\n"), "\n") {
				if strings.TrimSpace(line) != "" {
					sink.BuildLine(line)
				}
			}
		}
		if msg.Aux != nil {
			var aux struct {
				ID string `json:"ID"`
			}
			if err := json.Unmarshal(*msg.Aux, &aux); err == nil && aux.ID != "" {
				imageID = aux.ID
			}
		}
	}
	return imageID, nil
}

func streamError(msg jsonmessage.JSONMessage) error {
	if msg.Error != nil && msg.Error.Message != "" {
		return &StreamError{Message: msg.Error.Message}
	}
	if msg.ErrorMessage != "" {
		return &StreamError{Message: msg.ErrorMessage}
	}
	return nil
}
