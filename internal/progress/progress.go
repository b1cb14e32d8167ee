package progress

import "sync"

// Snapshot is the aggregated state of an image pull across all layers
type Snapshot struct {
	Reference   string
	LayersDone  int
	LayersTotal int
	// Current and Total are byte counts summed over layers that report them
	Current int64
	Total   int64
}

// Sink receives progress from long running operations
type Sink interface {
	// Step announces the next step of an operation
	Step(msg string)
	// Pull reports aggregated pull progress
	Pull(s Snapshot)
	// BuildLine reports one line of build output
	BuildLine(line string)
}

// Discard is a Sink that drops everything
var Discard Sink = discard{}

type discard struct{}

func (discard) Step(string)      {}
func (discard) Pull(Snapshot)    {}
func (discard) BuildLine(string) {}

// Recorder is a Sink that keeps everything it receives
type Recorder struct {
	mu         sync.Mutex
	Steps      []string
	Snapshots  []Snapshot
	BuildLines []string
}

// Step implements Sink
func (r *Recorder) Step(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Steps = append(r.Steps, msg)
}

// Pull implements Sink
func (r *Recorder) Pull(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Snapshots = append(r.Snapshots, s)
}

// BuildLine implements Sink
func (r *Recorder) BuildLine(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.BuildLines = append(r.BuildLines, line)
}
