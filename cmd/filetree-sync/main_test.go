package main

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestFloatEnv(t *testing.T) {
	logger := zerolog.Nop()
	t.Setenv("FILETREE_TEST_FLOAT", "0.35")
	assert.Equal(t, 0.35, floatEnv(logger, "FILETREE_TEST_FLOAT", 0.1))
	t.Setenv("FILETREE_TEST_FLOAT", "oops")
	assert.Equal(t, 0.25, floatEnv(logger, "FILETREE_TEST_FLOAT", 0.25))
}

func TestClampJitterRatio(t *testing.T) {
	assert.Zero(t, clampJitterRatio(-0.1))
	assert.Equal(t, 1.0, clampJitterRatio(1.5))
	assert.Equal(t, 0.4, clampJitterRatio(0.4))
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	assert.Equal(t, base, jitteredIntervalWithSample(base, 0, 0.2))
	assert.Equal(t, 8*time.Second, jitteredIntervalWithSample(base, 0.2, 0))
	assert.Equal(t, base, jitteredIntervalWithSample(base, 0.2, 0.5))
	assert.Equal(t, 12*time.Second, jitteredIntervalWithSample(base, 0.2, 1))
}
