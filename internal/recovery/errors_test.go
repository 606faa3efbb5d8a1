package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dreamware/shardwatch/internal/agency"
)

func TestRegistrationError(t *testing.T) {
	tests := []struct {
		name      string
		err       *RegistrationError
		retryable bool
		message   string
	}{
		{
			name:      "agency unavailable",
			err:       &RegistrationError{Collection: "K", Shard: "s1", Err: agency.ErrUnavailable},
			retryable: true,
			message:   "registering watch for shard s1 of collection K: agency unavailable",
		},
		{
			name:      "timeout",
			err:       &RegistrationError{Collection: "K", Shard: "s1", Err: fmt.Errorf("waiting: %w", context.DeadlineExceeded)},
			retryable: true,
		},
		{
			name:    "invalid path",
			err:     &RegistrationError{Collection: "K", Shard: "s1", Err: agency.ErrInvalidPath},
			message: "registering watch for shard s1 of collection K: invalid agency path",
		},
		{
			name:    "unresolved collection",
			err:     &RegistrationError{Collection: "K", Err: errors.New("unknown collection")},
			message: "resolving collection K: unknown collection",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.err.Retryable())
			if tt.message != "" {
				assert.Equal(t, tt.message, tt.err.Error())
			}
			assert.ErrorIs(t, tt.err, tt.err.Err)
		})
	}
}

func TestQueryError(t *testing.T) {
	err := &QueryError{Server: "S1", Err: agency.ErrUnavailable}
	assert.ErrorIs(t, err, agency.ErrUnavailable)
	assert.Contains(t, err.Error(), "S1")
}
