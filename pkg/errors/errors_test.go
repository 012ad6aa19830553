package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ignored"))

	base := New("boom")
	err := Wrap(base, "download failed")
	assert.EqualError(t, err, "download failed: boom")
	assert.True(t, Is(err, base))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error", New("x"), ""},
		{"classified", E(KindLease, "await lease", New("error state")), KindLease},
		{"wrapped classified", Wrap(E(KindTransfer, "get disk-0.vmdk", New("eof")), "download"), KindTransfer},
		{"first kind wins", E(KindPackaging, "package", E(KindTimeout, "wait", context.DeadlineExceeded)), KindTimeout},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := E(KindPrecondition, "ensure powered off", fmt.Errorf("vm %q not found", "db01"))
	assert.Equal(t, `precondition: ensure powered off: vm "db01" not found`, err.Error())
	assert.True(t, IsKind(err, KindPrecondition))
	assert.False(t, IsKind(nil, KindPrecondition))
	assert.True(t, Is(E(KindTimeout, "wait", context.DeadlineExceeded), context.DeadlineExceeded))
}
