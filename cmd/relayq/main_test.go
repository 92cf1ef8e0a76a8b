package main

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/queue"
	"github.com/relayq/relayq/internal/rest"
	"github.com/relayq/relayq/internal/store"
)

func execute(t *testing.T, args ...string) error {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestEnqueueCommand(t *testing.T) {
	st, err := store.NewMemory(store.MemoryOptions{})
	require.NoError(t, err)
	m := queue.NewManager(st, queue.Options{})
	ts := httptest.NewServer(rest.NewServer(m).Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
		st.Close()
	})

	require.NoError(t, execute(t, "--server", ts.URL, "enqueue", "emails", "send", `{"to":"a@b.com"}`, "--priority", "high"))

	jobs, err := m.ListJobs(context.Background(), "emails", job.StatusWaiting, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.PriorityHigh, jobs[0].Priority)
	assert.Equal(t, "send", jobs[0].Type)

	require.NoError(t, execute(t, "--server", ts.URL, "stats"))
	require.NoError(t, execute(t, "--server", ts.URL, "list", "emails"))
	require.NoError(t, execute(t, "--server", ts.URL, "job", jobs[0].ID))

	assert.Error(t, execute(t, "--server", ts.URL, "enqueue", "emails", "send", "{"))
	assert.Error(t, execute(t, "--server", ts.URL, "job", "missing"))
}

func TestConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644))

	assert.NoError(t, execute(t, "config", "--config", path))
}
