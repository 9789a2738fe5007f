package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/config"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/journal"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCLI(t *testing.T, root *cobra.Command, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))
	return path
}

func fixtureOpener(records ...journal.Record) storeOpener {
	store := journal.NewMemoryStore(100)
	for _, r := range records {
		_ = store.Append(context.Background(), r)
	}
	return func(context.Context, *config.Config) (journal.Store, func(context.Context) error, error) {
		return store, nil, nil
	}
}

func TestVersionPrintsVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, newRootCmd(), "version")
	require.NoError(t, err)
	assert.Equal(t, "ws-gateway dev\n", stdout)
}

func TestServeCreatesMissingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")

	_, _, err := executeCLI(t, newRootCmd(), "serve", "--config", path)
	require.ErrorIs(t, err, config.ErrConfigCreated)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestJournalFiltersByPrincipal(t *testing.T) {
	at := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	opener := fixtureOpener(
		journal.Record{ConnectionID: "c1", PrincipalID: "alice", Event: journal.EventAdmitted, At: at},
		journal.Record{ConnectionID: "c2", PrincipalID: "bob", Event: journal.EventAdmitted, At: at.Add(time.Second)},
		journal.Record{ConnectionID: "c1", PrincipalID: "alice", Event: journal.EventClosed, CloseCode: 4003, Reason: "Pong timeout (3 missed)", At: at.Add(2 * time.Second)},
	)

	stdout, _, err := executeCLI(t, newRootCmdWith(opener), "journal", "--config", writeConfig(t), "--principal", "alice")
	require.NoError(t, err)
	assert.Contains(t, stdout, "AT")
	assert.Contains(t, stdout, "4003")
	assert.Contains(t, stdout, "Pong timeout (3 missed)")
	assert.NotContains(t, stdout, "bob")

	closedAt := bytes.Index([]byte(stdout), []byte("closed"))
	admittedAt := bytes.Index([]byte(stdout), []byte("admitted"))
	assert.Less(t, closedAt, admittedAt, "newest event first")
}

func TestJournalJSONOutput(t *testing.T) {
	opener := fixtureOpener(
		journal.Record{ConnectionID: "c1", PrincipalID: "alice", Event: journal.EventRejected, CloseCode: 1008, At: time.Now()},
	)

	stdout, _, err := executeCLI(t, newRootCmdWith(opener), "journal", "--config", writeConfig(t), "--json")
	require.NoError(t, err)

	var records []journal.Record
	require.NoError(t, json.Unmarshal([]byte(stdout), &records))
	require.Len(t, records, 1)
	assert.Equal(t, journal.EventRejected, records[0].Event)
	assert.Equal(t, 1008, records[0].CloseCode)
}

func TestJournalEmpty(t *testing.T) {
	stdout, _, err := executeCLI(t, newRootCmdWith(fixtureOpener()), "journal", "--config", writeConfig(t))
	require.NoError(t, err)
	assert.Equal(t, "no events\n", stdout)
}

func TestJournalRejectsMemoryDriver(t *testing.T) {
	_, _, err := executeCLI(t, newRootCmd(), "journal", "--config", writeConfig(t))
	require.ErrorIs(t, err, errJournalNotQueryable)
}

func TestJournalRejectsBadLimit(t *testing.T) {
	_, _, err := executeCLI(t, newRootCmdWith(fixtureOpener()), "journal", "--config", writeConfig(t), "--limit", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--limit must be positive")
}

func TestBuildOrchestratorFollowsConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Session.SingleSessionPerUser = true
	cfg.RateLimit.ShareAcrossConnections = false

	orch := buildOrchestrator(cfg, nil, nil)
	assert.True(t, orch.Registry().SingleSession())
	assert.False(t, orch.Limiter().ShareLimit())
}
