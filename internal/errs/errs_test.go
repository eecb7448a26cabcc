package errs_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blockpool/blockpool/internal/errs"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	err := errs.New(errs.OutOfMemory, "gpa.Allocate", "arena exhausted")
	k, ok := errs.KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, errs.OutOfMemory, k)

	wrapped := fmt.Errorf("wrapping: %w", err)
	k, ok = errs.KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, errs.OutOfMemory, k)

	_, ok = errs.KindOf(fmt.Errorf("plain"))
	assert.False(t, ok)
}

func TestFatalHasStack(t *testing.T) {
	t.Parallel()

	err := errs.Fatal("registry.Free", "unresolvable block_index 42")
	assert.Contains(t, err.Error(), "unresolvable block_index 42")
	assert.Contains(t, fmt.Sprintf("%+v", err), "TestFatalHasStack")
}
