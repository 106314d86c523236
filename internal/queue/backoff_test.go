package queue_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/xray/internal/queue"
)

func TestBackoff(t *testing.T) {
	base, maxDelay := time.Second, 5*time.Minute
	assert.Equal(t, 1*time.Second, queue.Backoff(base, maxDelay, 0))
	assert.Equal(t, 1*time.Second, queue.Backoff(base, maxDelay, 1))
	assert.Equal(t, 2*time.Second, queue.Backoff(base, maxDelay, 2))
	assert.Equal(t, 4*time.Second, queue.Backoff(base, maxDelay, 3))
	assert.Equal(t, maxDelay, queue.Backoff(base, maxDelay, 20))
	assert.Equal(t, maxDelay, queue.Backoff(base, maxDelay, 1000), "large attempt counts must not overflow")
}

func TestPermanent(t *testing.T) {
	cause := errors.New("bad payload")
	err := queue.Permanent(cause)
	assert.ErrorIs(t, err, queue.ErrPermanent)
	assert.ErrorIs(t, err, cause)
}

func TestJobDecode(t *testing.T) {
	var v struct {
		RunID string `json:"run_id"`
	}
	job := queue.Job{Type: "update-run", Payload: []byte(`{"run_id":"r1"}`)}
	require.NoError(t, job.Decode(&v))
	assert.Equal(t, "r1", v.RunID)

	bad := queue.Job{Type: "update-run", Payload: []byte(`{`)}
	assert.ErrorIs(t, bad.Decode(&v), queue.ErrPermanent)
}

func TestDefaultOptions(t *testing.T) {
	o := queue.DefaultOptions()
	assert.Equal(t, 3, o.MaxAttempts)
	assert.Equal(t, time.Second, o.BackoffBase)
	assert.Equal(t, 1000, o.KeepCompleted)
	assert.Equal(t, 24*time.Hour, o.CompletedAge)
	assert.Equal(t, 7*24*time.Hour, o.DeadAge)
}
