package hardware

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetCPUNum(t *testing.T) {
	assert.GreaterOrEqual(t, GetCPUNum(), 1)
}

func TestWorkerThreads(t *testing.T) {
	assert.Equal(t, 3, WorkerThreads(3))
	assert.Equal(t, 1, WorkerThreads(1))

	auto := WorkerThreads(0)
	assert.GreaterOrEqual(t, auto, 1)
	assert.Equal(t, auto, WorkerThreads(-5))
	if GetCPUNum() > 1 {
		assert.Equal(t, GetCPUNum()-1, auto)
	}
}
