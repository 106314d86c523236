package xray

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/xray/internal/model"
	"github.com/ashita-ai/xray/internal/queue"
)

func TestOptionsAccumulate(t *testing.T) {
	mw := Middleware(func(h http.Handler) http.Handler { return h })
	hook := DeadLetterFunc(func(context.Context, DeadJob, error) {})

	o := resolvedOptions{}
	for _, fn := range []Option{
		WithPort(9090),
		WithDatabaseURL("postgres://a"),
		WithVersion("1.2.3"),
		WithMiddleware(mw),
		WithMiddleware(mw),
		WithDeadLetterHook(hook),
		WithoutHTTP(),
	} {
		fn(&o)
	}

	assert.Equal(t, 9090, o.port)
	assert.Equal(t, "postgres://a", o.databaseURL)
	assert.Equal(t, "1.2.3", o.version)
	assert.Len(t, o.middlewares, 2)
	assert.Len(t, o.deadLetterHooks, 1)
	assert.True(t, o.noHTTP)
	assert.False(t, o.noWorkers)
}

func TestDeadLetterAdapterConvertsJob(t *testing.T) {
	finished := time.Now()
	job := queue.Job{
		ID:         "j1",
		Type:       model.JobCreateStep,
		Payload:    json.RawMessage(`{"step":{"id":"s1"}}`),
		Status:     queue.StatusDead,
		Attempts:   3,
		LastError:  "integrity",
		FinishedAt: &finished,
	}
	cause := errors.New("boom")

	var got DeadJob
	var gotCause error
	adapter := deadLetterAdapter(DeadLetterFunc(func(_ context.Context, j DeadJob, c error) {
		got, gotCause = j, c
	}))
	adapter(context.Background(), job, cause)

	assert.Equal(t, "j1", got.ID)
	assert.Equal(t, "create-step", got.Type)
	assert.Equal(t, 3, got.Attempts)
	assert.JSONEq(t, `{"step":{"id":"s1"}}`, string(got.Payload))
	require.NotNil(t, got.FinishedAt)
	assert.ErrorIs(t, gotCause, cause)
}

func TestValidJobType(t *testing.T) {
	for _, jt := range model.JobTypes {
		assert.True(t, validJobType(jt), jt)
	}
	assert.False(t, validJobType("delete-everything"))
}

func TestContextWithOptionalTimeout(t *testing.T) {
	ctx, cancel := contextWithOptionalTimeout(context.Background(), 0)
	_, hasDeadline := ctx.Deadline()
	cancel()
	assert.False(t, hasDeadline)

	ctx, cancel = contextWithOptionalTimeout(context.Background(), time.Minute)
	defer cancel()
	_, hasDeadline = ctx.Deadline()
	assert.True(t, hasDeadline)
}
