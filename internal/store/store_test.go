package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/foreman/internal/errors"
	"github.com/felixgeelhaar/foreman/internal/instruction"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	in := instruction.New("Add metrics", "desc", "observability", instruction.PriorityMedium)

	require.NoError(t, s.Create(in))

	got, err := s.Get(in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.ID, got.ID)
	assert.Equal(t, in.Title, got.Title)
	assert.Equal(t, instruction.PhaseUserInstruction, got.Phase)
}

func TestCreateDuplicate(t *testing.T) {
	s := newTestStore(t)
	in := instruction.New("t", "d", "g", instruction.PriorityLow)
	require.NoError(t, s.Create(in))

	err := s.Create(in)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyExists))
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("deadbeef")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestSaveRequiresExisting(t *testing.T) {
	s := newTestStore(t)
	in := instruction.New("t", "d", "g", instruction.PriorityLow)

	err := s.Save(in)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	require.NoError(t, s.Create(in))
	in.Phase = instruction.PhaseTaskPlanning
	require.NoError(t, s.Save(in))

	got, err := s.Get(in.ID)
	require.NoError(t, err)
	assert.Equal(t, instruction.PhaseTaskPlanning, got.Phase)
}

func TestRoundTripPreservesFields(t *testing.T) {
	s := newTestStore(t)
	in := instruction.New("Full record", "desc", "goal", instruction.PriorityHigh)
	in.Subtasks = instruction.NormalizeSubtasks([]instruction.Subtask{
		{Title: "design"},
		{Title: "implement", Complexity: 3, Dependencies: []string{"st-1"}},
	})
	in.ExecutionPlan = &instruction.ExecutionPlan{
		Steps:      instruction.NormalizeSteps([]instruction.PlanStep{{Title: "write", Type: "file_creation"}}),
		TotalSteps: 1,
	}
	in.ExecutionLog = []instruction.ExecutionResult{
		{StepID: "step-1", Success: true, Output: "ok", Artifacts: []instruction.Artifact{{Type: "file", Path: "x.go", Action: "created"}}},
	}
	require.NoError(t, s.Create(in))

	got, err := s.Get(in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.Subtasks, got.Subtasks)
	assert.Equal(t, in.ExecutionPlan.Steps, got.ExecutionPlan.Steps)
	assert.Equal(t, in.ExecutionLog, got.ExecutionLog)
	assert.True(t, in.CreatedAt.Equal(got.CreatedAt))
}

func TestChecksumDetectsTampering(t *testing.T) {
	s := newTestStore(t)
	in := instruction.New("t", "d", "g", instruction.PriorityMedium)
	require.NoError(t, s.Create(in))

	path := filepath.Join(s.Dir(), in.ID+".json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), in.Title, "tampered", 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0640))

	_, err = s.Get(in.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeStorage))
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	s := newTestStore(t)
	in := instruction.New("t", "d", "g", instruction.PriorityMedium)
	require.NoError(t, s.Create(in))
	in.Touch()
	require.NoError(t, s.Save(in))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
}

func TestListStableOrder(t *testing.T) {
	s := newTestStore(t)
	var ids []string
	for _, title := range []string{"first", "second", "third"} {
		in := instruction.New(title, "d", "g", instruction.PriorityMedium)
		require.NoError(t, s.Create(in))
		ids = append(ids, in.ID)
	}

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, sum := range list {
		assert.Equal(t, ids[i], sum.ID)
	}

	again, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, list, again)
}

func TestReopenSeedsOrder(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	a := instruction.New("a", "d", "g", instruction.PriorityMedium)
	b := instruction.New("b", "d", "g", instruction.PriorityMedium)
	require.NoError(t, s.Create(a))
	require.NoError(t, s.Create(b))

	reopened, err := New(dir)
	require.NoError(t, err)
	list, err := reopened.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Less(t, list[0].ID, list[1].ID, "reopen should sort by id")
}

func TestRecordIsValidJSONEnvelope(t *testing.T) {
	s := newTestStore(t)
	in := instruction.New("t", "d", "g", instruction.PriorityMedium)
	require.NoError(t, s.Create(in))

	raw, err := os.ReadFile(filepath.Join(s.Dir(), in.ID+".json"))
	require.NoError(t, err)
	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Contains(t, env, "checksum")
	assert.Contains(t, env, "instruction")
}

func TestLockSerializesWriters(t *testing.T) {
	s := newTestStore(t)
	in := instruction.New("t", "d", "g", instruction.PriorityMedium)
	require.NoError(t, s.Create(in))

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock(in.ID)
			defer unlock()
			cur, err := s.Get(in.ID)
			if err != nil {
				t.Error(err)
				return
			}
			cur.ExecutionLog = append(cur.ExecutionLog, instruction.ExecutionResult{
				StepID:  "step-1",
				Success: true,
			})
			if err := s.Save(cur); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(in.ID)
	require.NoError(t, err)
	assert.Len(t, got.ExecutionLog, writers, "each locked read-modify-write should land")
}
