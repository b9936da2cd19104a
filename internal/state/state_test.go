package state_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hipswatch/internal/state"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() func() time.Time { return func() time.Time { return t0 } }

func TestRecordObserved_CreatesPendingEntries(t *testing.T) {
	t.Parallel()

	s := state.NewMemoryStore(fixedClock())
	require.NoError(t, s.RecordObserved(state.Observation{
		"10.0.0.5": {"f1", "f3"},
		"10.0.0.6": {"f2"},
	}))

	st, ok := s.Get("10.0.0.5")
	require.True(t, ok)
	assert.Equal(t, state.StatusPending, st.Status)
	assert.Equal(t, []string{"f1", "f3"}, st.FlowIDs)
	assert.Equal(t, t0, st.LastUpdate)

	snap := s.Snapshot()
	assert.Equal(t, []string{"10.0.0.5", "10.0.0.6"}, snap.LastAddresses)
	require.NotNil(t, snap.LastUpdate)
}

func TestRecordObserved_FlowIDsAppendOnly(t *testing.T) {
	t.Parallel()

	s := state.NewMemoryStore(fixedClock())
	require.NoError(t, s.RecordObserved(state.Observation{"10.0.0.5": {"f1", "f2"}}))
	require.NoError(t, s.RecordObserved(state.Observation{"10.0.0.5": {"f2", "f3"}}))

	st, _ := s.Get("10.0.0.5")
	assert.Equal(t, []string{"f1", "f2", "f3"}, st.FlowIDs)
}

func TestDiffAgainstLast(t *testing.T) {
	t.Parallel()

	s := state.NewMemoryStore(fixedClock())
	require.NoError(t, s.RecordObserved(state.Observation{
		"10.0.0.1": {"f1"},
		"10.0.0.2": {"f2"},
		"10.0.0.3": {"f3"},
	}))
	require.NoError(t, s.UpdateStatus("10.0.0.1", state.StatusCompleted))
	require.NoError(t, s.UpdateStatus("10.0.0.2", state.StatusFailed))
	require.NoError(t, s.UpdateStatus("10.0.0.3", state.StatusPartial))

	got := s.DiffAgainstLast(state.Observation{
		"10.0.0.1": {"f1"},
		"10.0.0.2": {"f2"},
		"10.0.0.3": {"f3"},
		"10.0.0.4": {"f4"},
	})
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.3", "10.0.0.4"}, got, "completed address with known flow is skipped")

	got = s.DiffAgainstLast(state.Observation{"10.0.0.1": {"f1", "f9"}})
	assert.Equal(t, []string{"10.0.0.1"}, got, "a new flow re-arms a completed address")
}

func TestRecordObserved_CompletedStaysCompletedWithoutNewFlow(t *testing.T) {
	t.Parallel()

	s := state.NewMemoryStore(fixedClock())
	require.NoError(t, s.RecordObserved(state.Observation{"10.0.0.1": {"f1"}}))
	require.NoError(t, s.UpdateStatus("10.0.0.1", state.StatusCompleted))

	require.NoError(t, s.RecordObserved(state.Observation{"10.0.0.1": {"f1"}}))
	st, _ := s.Get("10.0.0.1")
	assert.Equal(t, state.StatusCompleted, st.Status)

	require.NoError(t, s.RecordObserved(state.Observation{"10.0.0.1": {"f2"}}))
	st, _ = s.Get("10.0.0.1")
	assert.Equal(t, state.StatusPending, st.Status)
	assert.Equal(t, []string{"f1", "f2"}, st.FlowIDs)
}

func TestUpdateStatus(t *testing.T) {
	t.Parallel()

	s := state.NewMemoryStore(fixedClock())
	require.NoError(t, s.RecordObserved(state.Observation{"10.0.0.5": {"f1"}, "10.0.0.6": {"f2"}}))

	assert.ErrorIs(t, s.UpdateStatus("10.9.9.9", state.StatusCompleted), state.ErrUnknownAddress)
	assert.ErrorIs(t, s.UpdateStatus("10.0.0.5", state.Status("done")), state.ErrInvalidStatus)

	require.NoError(t, s.UpdateStatus("10.0.0.5", state.StatusPartial))
	require.NoError(t, s.UpdateStatus("10.0.0.6", state.StatusPartial))
	for _, a := range []string{"10.0.0.5", "10.0.0.6"} {
		st, _ := s.Get(a)
		assert.Equal(t, state.StatusPartial, st.Status)
	}

	require.NoError(t, s.UpdateStatus("10.0.0.5", state.StatusCompleted))
	assert.ErrorIs(t, s.UpdateStatus("10.0.0.5", state.StatusPending), state.ErrRegression)
	st, _ := s.Get("10.0.0.5")
	assert.Equal(t, state.StatusCompleted, st.Status)
}

func TestReset(t *testing.T) {
	t.Parallel()

	s := state.NewMemoryStore(fixedClock())
	require.NoError(t, s.RecordObserved(state.Observation{"10.0.0.5": {"f1"}}))
	require.NoError(t, s.UpdateStatus("10.0.0.5", state.StatusCompleted))

	require.NoError(t, s.Reset("10.0.0.5"))
	_, ok := s.Get("10.0.0.5")
	assert.False(t, ok)
	assert.Equal(t, []string{"10.0.0.5"}, s.DiffAgainstLast(state.Observation{"10.0.0.5": {"f1"}}))
	assert.ErrorIs(t, s.Reset("10.0.0.5"), state.ErrUnknownAddress)
}

func TestGet_ReturnsCopy(t *testing.T) {
	t.Parallel()

	s := state.NewMemoryStore(fixedClock())
	require.NoError(t, s.RecordObserved(state.Observation{"10.0.0.5": {"f1"}}))

	st, _ := s.Get("10.0.0.5")
	st.FlowIDs[0] = "mutated"

	again, _ := s.Get("10.0.0.5")
	assert.Equal(t, []string{"f1"}, again.FlowIDs)
}

func TestCounts(t *testing.T) {
	t.Parallel()

	s := state.NewMemoryStore(fixedClock())
	require.NoError(t, s.RecordObserved(state.Observation{"10.0.0.1": {"a"}, "10.0.0.2": {"b"}}))
	require.NoError(t, s.UpdateStatus("10.0.0.1", state.StatusFailed))

	counts := s.Counts()
	assert.Equal(t, 1, counts[state.StatusPending])
	assert.Equal(t, 1, counts[state.StatusFailed])
	assert.Equal(t, 0, counts[state.StatusCompleted])
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "watchdog_state.json")
	s := state.OpenFileStore(path, state.WithClock(fixedClock()))
	require.NoError(t, s.RecordObserved(state.Observation{"10.0.0.5": {"f1"}}))
	require.NoError(t, s.UpdateStatus("10.0.0.5", state.StatusCompleted))

	var doc map[string]json.RawMessage
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.JSONEq(t, `["10.0.0.5"]`, string(doc["lastAddresses"]))
	assert.Contains(t, doc, "lastUpdate")

	reopened := state.OpenFileStore(path)
	st, ok := reopened.Get("10.0.0.5")
	require.True(t, ok)
	assert.Equal(t, state.StatusCompleted, st.Status)
	assert.Empty(t, reopened.DiffAgainstLast(state.Observation{"10.0.0.5": {"f1"}}))
}

func TestFileStore_ColdStart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	missing := state.OpenFileStore(filepath.Join(dir, "absent.json"))
	assert.Empty(t, missing.Snapshot().Addresses)

	corruptPath := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corruptPath, []byte(`{"lastAddresses": [`), 0o644))
	corrupt := state.OpenFileStore(corruptPath)
	assert.Empty(t, corrupt.Snapshot().Addresses)

	require.NoError(t, corrupt.RecordObserved(state.Observation{"10.0.0.5": {"f1"}}))
	snap, err := state.ReadSnapshot(corruptPath)
	require.NoError(t, err)
	assert.Contains(t, snap.Addresses, "10.0.0.5")
}

func TestFileStore_FailedWriteKeepsCommittedState(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))

	s := state.OpenFileStore(filepath.Join(blocker, "state.json"))
	err := s.RecordObserved(state.Observation{"10.0.0.5": {"f1"}})
	require.Error(t, err)

	_, ok := s.Get("10.0.0.5")
	assert.False(t, ok, "in-memory state only changes after a successful write")
}

func TestBuildInventory(t *testing.T) {
	t.Parallel()

	s := state.NewMemoryStore(fixedClock())
	require.NoError(t, s.RecordObserved(state.Observation{
		"10.0.0.1": {"a"},
		"10.0.0.2": {"b"},
		"10.0.0.3": {"c"},
	}))
	require.NoError(t, s.UpdateStatus("10.0.0.1", state.StatusCompleted))
	require.NoError(t, s.UpdateStatus("10.0.0.3", state.StatusFailed))

	inv := state.BuildInventory(s.Snapshot(), "pi", func(addr string, _ state.AddressState) string {
		return "Mirai_Bots"
	})

	data, err := json.Marshal(inv)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"Mirai_Bots": {"hosts": ["pi@10.0.0.2", "pi@10.0.0.3"]},
		"_meta": {"hostvars": {}}
	}`, string(data))
}

func TestHostName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "pi@10.0.0.1", state.HostName("pi", "10.0.0.1"))
	assert.Equal(t, "10.0.0.1", state.HostName("", "10.0.0.1"))
}

func TestFileStore_ResetFromAnotherStoreIsNotOverwritten(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "watchdog_state.json")
	daemon := state.OpenFileStore(path)
	require.NoError(t, daemon.RecordObserved(state.Observation{"10.0.0.5": {"f1"}}))
	require.NoError(t, daemon.UpdateStatus("10.0.0.5", state.StatusCompleted))

	operator := state.OpenFileStore(path)
	require.NoError(t, operator.Reset("10.0.0.5"))

	require.NoError(t, daemon.RecordObserved(state.Observation{"10.0.0.9": {"f9"}}))

	snap, err := state.ReadSnapshot(path)
	require.NoError(t, err)
	assert.NotContains(t, snap.Addresses, "10.0.0.5", "reset survives the daemon's next write")
	assert.Contains(t, snap.Addresses, "10.0.0.9")
	assert.Equal(t, []string{"10.0.0.5"}, daemon.DiffAgainstLast(state.Observation{"10.0.0.5": {"f1"}}))
}

func TestFileStore_ExternalResetVisibleToReads(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "watchdog_state.json")
	daemon := state.OpenFileStore(path)
	require.NoError(t, daemon.RecordObserved(state.Observation{"10.0.0.5": {"f1"}, "10.0.0.6": {"f2"}}))
	require.NoError(t, daemon.UpdateStatus("10.0.0.5", state.StatusCompleted))

	require.NoError(t, state.OpenFileStore(path).Reset("10.0.0.5"))

	_, ok := daemon.Get("10.0.0.5")
	assert.False(t, ok)
	require.NoError(t, daemon.UpdateStatus("10.0.0.6", state.StatusFailed))
	assert.ErrorIs(t, daemon.UpdateStatus("10.0.0.5", state.StatusCompleted), state.ErrUnknownAddress)
}

func TestFileStore_FailedWriteDoesNotHideNewFlows(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))

	s := state.OpenFileStore(filepath.Join(blocker, "state.json"))
	require.Error(t, s.RecordObserved(state.Observation{"10.0.0.5": {"f1"}}))

	assert.Equal(t, []string{"10.0.0.5"}, s.DiffAgainstLast(state.Observation{"10.0.0.5": {"f1"}}))
}
