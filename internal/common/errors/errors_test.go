package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyWalksWrappedChain(t *testing.T) {
	base := New(FamilyUnconfirmed, "not confirmed")
	wrapped := fmt.Errorf("rollback: %w", fmt.Errorf("stop: %w", base))

	assert.Equal(t, FamilyUnconfirmed, Classify(wrapped))
}

func TestClassifyUnknown(t *testing.T) {
	assert.Equal(t, FamilyUnknown, Classify(nil))
	assert.Equal(t, FamilyUnknown, Classify(fmt.Errorf("plain")))
}

func TestFamiliesAreDistinct(t *testing.T) {
	families := []Family{FamilyTransient, FamilyConfiguration, FamilyUnconfirmed}
	codes := map[int]bool{}
	hints := map[string]bool{}
	for _, f := range families {
		codes[f.ExitCode()] = true
		hints[f.Hint()] = true
		assert.NotEqual(t, "unknown", f.String())
	}
	assert.Len(t, codes, 3)
	assert.Len(t, hints, 3)
}
