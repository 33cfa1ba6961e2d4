package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindsAreDistinct(t *testing.T) {
	kinds := []error{
		ErrBadRequest,
		ErrUnknownJob,
		ErrUnknownTaskQueue,
		ErrConflict,
		ErrStoreUnavailable,
		ErrDeadlineExceeded,
		ErrInternal,
	}

	for i, a := range kinds {
		for j, b := range kinds {
			if i == j {
				assert.True(t, Is(a, b))
			} else {
				assert.False(t, Is(a, b), "kind %v must not match %v", a, b)
			}
		}
	}
}

func TestWrappingPreservesKind(t *testing.T) {
	err := Wrap(ErrUnknownJob, "job 42")
	err = Wrapf(err, "while detaching")

	assert.True(t, IsUnknownJob(err))
	assert.False(t, IsConflict(err))
	assert.Contains(t, err.Error(), "job 42")
}

func TestNewBadRequestNamesField(t *testing.T) {
	err := NewBadRequest("field %q: value must be a string or a list of strings", "Site")

	assert.True(t, IsBadRequest(err))
	assert.Contains(t, err.Error(), `field "Site"`)
}

func TestIsHelpersOnNil(t *testing.T) {
	assert.False(t, IsBadRequest(nil))
	assert.False(t, IsUnknownJob(nil))
	assert.False(t, IsStoreUnavailable(nil))
	assert.False(t, IsDeadlineExceeded(nil))
}

func TestNewConflict(t *testing.T) {
	err := NewConflict("job %d already attached to task queue %d", 7, 101)
	assert.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "already attached")
}
