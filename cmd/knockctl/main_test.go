package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"knock-pipeline/internal/entity"
)

func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	root, cleanup := newRootCmd()
	defer cleanup()

	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{
		"--store", "sqlite",
		"--sqlite-path", filepath.Join(dir, "knock.db"),
		"--asset-dir", filepath.Join(dir, "assets"),
	}, args...))

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestKnockctl_RunStatusJobs(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("KNOCK_CONFIG", "")
	dir := t.TempDir()

	out, err := execute(t, dir, "run", "--user", "u-cli", "--name", "Dana",
		"--keywords", "startup,mentor", "--interests", "reading", "--dry-run")
	require.NoError(t, err)

	var job entity.JobWithLogs
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	require.Equal(t, entity.StatusCompleted, job.Status)
	require.Len(t, job.Logs, len(entity.StageOrder))

	out, err = execute(t, dir, "status", job.ID.String())
	require.NoError(t, err)
	var again entity.JobWithLogs
	require.NoError(t, json.Unmarshal([]byte(out), &again))
	require.Equal(t, job.ID, again.ID)

	out, err = execute(t, dir, "jobs", "u-cli", "--status", "completed")
	require.NoError(t, err)
	var jobs []entity.Job
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)

	_, err = execute(t, dir, "retry", job.ID.String())
	require.ErrorIs(t, err, entity.ErrNotFailed)

	_, err = execute(t, dir, "cancel", job.ID.String())
	require.ErrorIs(t, err, entity.ErrNotProcessing)
}

func TestKnockctl_RejectsBadInput(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("KNOCK_CONFIG", "")
	dir := t.TempDir()

	_, err := execute(t, dir, "status", "not-a-uuid")
	require.Error(t, err)

	_, err = execute(t, dir, "run", "--user", "u-cli")
	require.Error(t, err)
}
