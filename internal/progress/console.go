package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"golang.org/x/term"
	"golang.org/x/time/rate"
)

const barWidth = 30

// Console renders progress for a human. On a terminal the pull line is
// redrawn in place; otherwise snapshots are printed sparsely.
type Console struct {
	out    io.Writer
	tty    bool
	origin string

	mu       sync.Mutex
	inline   bool
	throttle *rate.Sometimes

	step *color.Color
	dim  *color.Color
}

// NewConsole creates a console sink on stdout. origin prefixes every line.
func NewConsole(origin string) *Console {
	return NewConsoleWriter(os.Stdout, term.IsTerminal(int(os.Stdout.Fd())), origin)
}

// NewConsoleWriter creates a console sink on w
func NewConsoleWriter(w io.Writer, tty bool, origin string) *Console {
	interval := 100 * time.Millisecond
	if !tty {
		interval = 2 * time.Second
	}
	return &Console{
		out:      w,
		tty:      tty,
		origin:   origin,
		throttle: &rate.Sometimes{Interval: interval},
		step:     color.New(color.FgCyan, color.Bold),
		dim:      color.New(color.Faint),
	}
}

func (c *Console) prefix() string {
	if c.origin == "" {
		return ""
	}
	return "[" + c.origin + "] "
}

// breakLine ends an in-place line before printing a regular one
func (c *Console) breakLine() {
	if c.inline {
		fmt.Fprintln(c.out)
		c.inline = false
	}
}

// Step implements Sink
func (c *Console) Step(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakLine()
	fmt.Fprintf(c.out, "%s%s %s\n", c.prefix(), c.step.Sprint("==>"), msg)
}

// Pull implements Sink
func (c *Console) Pull(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	complete := s.LayersTotal > 0 && s.LayersDone == s.LayersTotal
	if complete {
		c.render(s)
		return
	}
	c.throttle.Do(func() {
		c.render(s)
	})
}

func (c *Console) render(s Snapshot) {
	line := c.prefix() + FormatSnapshot(s)
	if c.tty {
		fmt.Fprintf(c.out, "\r\033[K%s", line)
		c.inline = true
		return
	}
	fmt.Fprintln(c.out, line)
}

// BuildLine implements Sink
func (c *Console) BuildLine(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakLine()
	fmt.Fprintf(c.out, "%s%s\n", c.prefix(), c.dim.Sprint(line))
}

// Finish terminates any in-place line
func (c *Console) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakLine()
}

// FormatSnapshot renders a snapshot as a single line
func FormatSnapshot(s Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pulling %s ", s.Reference)

	filled := 0
	if s.Total > 0 {
		filled = int(float64(barWidth) * float64(s.Current) / float64(s.Total))
	} else if s.LayersTotal > 0 {
		filled = barWidth * s.LayersDone / s.LayersTotal
	}
	if filled > barWidth {
		filled = barWidth
	}
	b.WriteString("[")
	b.WriteString(strings.Repeat("=", filled))
	if filled < barWidth {
		b.WriteString(">")
		b.WriteString(strings.Repeat(" ", barWidth-filled-1))
	}
	b.WriteString("]")

	fmt.Fprintf(&b, " %d/%d layers", s.LayersDone, s.LayersTotal)
	if s.Total > 0 {
		fmt.Fprintf(&b, "  %s/%s", units.HumanSize(float64(s.Current)), units.HumanSize(float64(s.Total)))
	}
	return b.String()
}
