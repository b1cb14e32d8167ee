package logger

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newBufferLogger(buf *bytes.Buffer) *Logger {
	l := Discard()
	l.entry.Logger.SetOutput(buf)
	l.entry.Logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})
	return l
}

func TestWithOriginPrefixesMessages(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	l := newBufferLogger(&buf).WithOrigin("prod-1")

	l.Info("pulling %s", "alpine:3")

	assert.Contains(t, buf.String(), "[prod-1] pulling alpine:3")
	assert.Equal(t, "prod-1", l.Origin())
}

func TestRootLoggerHasNoPrefix(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	l.Warn("plain")

	assert.Contains(t, buf.String(), "plain")
	assert.NotContains(t, buf.String(), "[")
}

func TestSetDebug(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	l.Debug("hidden")
	assert.Empty(t, buf.String())

	l.SetDebug(true)
	assert.True(t, l.IsDebugEnabled())
	l.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	parent := newBufferLogger(&buf)
	child := parent.WithField("op", "abc")

	parent.Info("from parent")
	assert.NotContains(t, buf.String(), "op=abc")

	child.Info("from child")
	assert.Contains(t, buf.String(), "op=abc")
}
