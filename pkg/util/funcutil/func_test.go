package funcutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckCtxValid(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.True(t, CheckCtxValid(ctx))
	cancel()
	assert.False(t, CheckCtxValid(ctx))
}
