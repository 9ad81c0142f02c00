package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		code  Code
		check func(error) bool
	}{
		{"new", New(CodeTimeout, "deadline"), CodeTimeout, IsTimeout},
		{"newf", Newf(CodeProtocol, "bad banner %q", "x"), CodeProtocol, IsProtocol},
		{"wrap", Wrap(fmt.Errorf("refused"), CodeCommunication, "cannot connect"), CodeCommunication, IsCommunication},
		{"wrapped deeper", fmt.Errorf("outer: %w", New(CodeUnsupported, "too old")), CodeUnsupported, IsUnsupported},
		{"submission", New(CodeSubmission, "upload failed"), CodeSubmission, IsSubmission},
		{"api", New(CodeAPI, "bad envelope"), CodeAPI, IsAPI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, CodeOf(tt.err))
			assert.True(t, tt.check(tt.err))
			assert.False(t, tt.check(fmt.Errorf("unclassified")))
		})
	}
}

func TestCodeOfUnclassified(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(fmt.Errorf("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestErrorMessage(t *testing.T) {
	plain := New(CodeTimeout, "deadline expired")
	assert.Equal(t, "TIMEOUT: deadline expired", plain.Error())

	cause := fmt.Errorf("i/o timeout")
	wrapped := Wrap(cause, CodeTimeout, "timeout waiting for response")
	assert.Contains(t, wrapped.Error(), "i/o timeout")
	assert.ErrorIs(t, wrapped, cause)
}
