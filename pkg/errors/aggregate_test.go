package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSentinel = stderrors.New("sentinel")

func Test(t *testing.T) {
	err := NewAggregate([]error{
		fmt.Errorf("one"),
		fmt.Errorf("two: %w", errSentinel),
	})
	require.NotNil(t, err, "NewAggregate returns a value")
	assert.Error(t, err, "NewAggregate returns an error")
	assert.Equal(t, "one; two: sentinel", err.Error(), "error message is as expected")
	assert.Len(t, err.Unwrap(), 2, "original error list is recoverable")
	assert.ErrorIs(t, err, errSentinel, "wrapped errors are reachable")
}

func TestEmpty(t *testing.T) {
	assert.Nil(t, NewAggregate(nil), "no errors, no aggregate")
}
