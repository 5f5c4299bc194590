package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/genjob/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T, medium Medium, maxInFlight int) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := New(context.Background(), medium, Config{Key: "generationState", MaxInFlight: maxInFlight},
		logger.NewDiscard().Logger, WithClock(clock.Now))
	return s, clock
}

func TestStore_StartAndGet(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, NewMemoryMedium(), 3)

	id, err := s.Start(ctx, StartConfig{
		ModelID:             "flux",
		Prompt:              "cat",
		ExpectedOutputCount: 2,
		Snapshot: RequestSnapshot{
			Fields: map[string]string{"num_images": "2"},
			Files:  []FileMeta{{Name: "ref.png", Size: 1024, ModifiedAt: clock.Now()}},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entry, ok := s.Get(id)
	require.True(t, ok)
	require.NotNil(t, entry.InFlight)
	assert.Nil(t, entry.Finished)

	rec := entry.InFlight
	assert.Equal(t, "flux", rec.ModelID)
	assert.Equal(t, "cat", rec.Prompt)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, 2, rec.ExpectedOutputCount)
	assert.Equal(t, clock.Now(), rec.StartedAt)
	assert.Equal(t, clock.Now(), rec.LastUpdatedAt)
	assert.Equal(t, "2", rec.RequestSnapshot.Fields["num_images"])
	require.Len(t, rec.RequestSnapshot.Files, 1)
	assert.Equal(t, "ref.png", rec.RequestSnapshot.Files[0].Name)
}

func TestStore_StartReturnsFreshIDs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, NewMemoryMedium(), 50)

	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		id, err := s.Start(ctx, StartConfig{ModelID: "flux"})
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
	assert.Equal(t, 50, s.InFlightCount())
}

func TestStore_StartClampsExpectedOutputCount(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryMedium(), 3)

	id, err := s.Start(context.Background(), StartConfig{ModelID: "flux", ExpectedOutputCount: 0})
	require.NoError(t, err)

	entry, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, entry.InFlight.ExpectedOutputCount)
}

func TestStore_CapacityLimit(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()
	s, _ := newTestStore(t, medium, 3)

	for i := 0; i < 3; i++ {
		_, err := s.Start(ctx, StartConfig{ModelID: "flux"})
		require.NoError(t, err)
	}

	before, err := medium.Load(ctx, "generationState")
	require.NoError(t, err)

	id, err := s.Start(ctx, StartConfig{ModelID: "flux"})
	require.Error(t, err)
	assert.Empty(t, id)
	assert.True(t, errors.Is(err, ErrCapacity))

	var capErr *CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 3, capErr.Limit)
	assert.Equal(t, 3, capErr.InFlight)

	assert.Equal(t, 3, s.InFlightCount())
	after, err := medium.Load(ctx, "generationState")
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejected start must not write")
}

func TestStore_CheckCapacity(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, NewMemoryMedium(), 1)

	require.NoError(t, s.CheckCapacity())

	_, err := s.Start(ctx, StartConfig{ModelID: "flux"})
	require.NoError(t, err)

	err = s.CheckCapacity()
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, 1, s.InFlightCount())
}

func TestStore_WriteSurvivesCancelledContext(t *testing.T) {
	medium := NewMemoryMedium()
	s, _ := newTestStore(t, medium, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id, err := s.Start(ctx, StartConfig{ModelID: "flux"})
	require.NoError(t, err)

	reloaded, _ := newTestStore(t, medium, 3)
	_, ok := reloaded.Get(id)
	assert.True(t, ok)
}

func TestStore_DefaultCapacity(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryMedium(), 0)
	ctx := context.Background()

	for i := 0; i < DefaultMaxInFlight; i++ {
		_, err := s.Start(ctx, StartConfig{ModelID: "flux"})
		require.NoError(t, err)
	}
	_, err := s.Start(ctx, StartConfig{ModelID: "flux"})
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, NewMemoryMedium(), 3)

	id, err := s.Start(ctx, StartConfig{ModelID: "stable_video"})
	require.NoError(t, err)

	clock.Advance(4 * time.Second)
	ok := s.Update(ctx, id, StatusPending, Patch{BackendJobID: "b-1", Progress: 25, Message: "Calling API..."})
	require.True(t, ok)

	entry, _ := s.Get(id)
	assert.Equal(t, "b-1", entry.InFlight.BackendJobID)
	assert.Equal(t, 25, entry.InFlight.Progress)
	assert.Equal(t, "Calling API...", entry.InFlight.Message)
	assert.Equal(t, clock.Now(), entry.InFlight.LastUpdatedAt)

	clock.Advance(time.Second)
	require.True(t, s.Update(ctx, id, StatusFailed, Patch{}))

	entry, _ = s.Get(id)
	assert.Equal(t, StatusFailed, entry.InFlight.Status)
	assert.Equal(t, "b-1", entry.InFlight.BackendJobID, "empty patch keeps fields")
}

func TestStore_UpdateUnknownIsNoop(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryMedium(), 3)
	assert.False(t, s.Update(context.Background(), "missing", StatusFailed, Patch{}))
	assert.Equal(t, 0, s.InFlightCount())
}

func TestStore_Complete(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, NewMemoryMedium(), 3)

	id, err := s.Start(ctx, StartConfig{ModelID: "stable_video", Prompt: "waves"})
	require.NoError(t, err)

	clock.Advance(90 * time.Second)
	results := []Result{{URL: "https://cdn.example/v.mp4", Type: "video"}}
	require.True(t, s.Complete(ctx, id, results))

	entry, ok := s.Get(id)
	require.True(t, ok)
	assert.Nil(t, entry.InFlight)
	require.NotNil(t, entry.Finished)
	assert.Equal(t, results, entry.Finished.Results)
	assert.Equal(t, "waves", entry.Finished.Prompt)
	assert.Equal(t, clock.Now(), entry.Finished.CompletedAt)
	assert.Equal(t, int64(90000), entry.Finished.DurationMs)

	assert.Empty(t, s.GetAllInFlight())
	assert.Len(t, s.GetAllFinished(), 1)

	t.Run("second complete is a no-op", func(t *testing.T) {
		assert.False(t, s.Complete(ctx, id, []Result{{URL: "other", Type: "video"}}))
		entry, _ := s.Get(id)
		assert.Equal(t, results, entry.Finished.Results)
	})
}

func TestStore_CompleteCopiesResults(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, NewMemoryMedium(), 3)

	id, _ := s.Start(ctx, StartConfig{ModelID: "flux"})
	results := []Result{{URL: "a", Type: "image"}}
	s.Complete(ctx, id, results)
	results[0].URL = "mutated"

	entry, _ := s.Get(id)
	assert.Equal(t, "a", entry.Finished.Results[0].URL)
}

func TestStore_Remove(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, NewMemoryMedium(), 3)

	id, _ := s.Start(ctx, StartConfig{ModelID: "flux"})
	assert.True(t, s.Remove(ctx, id))
	assert.False(t, s.Remove(ctx, id))

	_, ok := s.Get(id)
	assert.False(t, ok)
}

func TestStore_RemoveLeavesFinished(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, NewMemoryMedium(), 3)

	id, _ := s.Start(ctx, StartConfig{ModelID: "flux"})
	s.Complete(ctx, id, []Result{{URL: "a", Type: "image"}})

	assert.False(t, s.Remove(ctx, id))
	_, ok := s.Get(id)
	assert.True(t, ok)
}

func TestStore_MostRecentInFlight(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, NewMemoryMedium(), 3)

	_, ok := s.MostRecentInFlight()
	assert.False(t, ok)

	first, _ := s.Start(ctx, StartConfig{ModelID: "flux"})
	clock.Advance(time.Second)
	second, _ := s.Start(ctx, StartConfig{ModelID: "stable_video"})
	clock.Advance(time.Second)
	third, _ := s.Start(ctx, StartConfig{ModelID: "recraft"})

	rec, ok := s.MostRecentInFlight()
	require.True(t, ok)
	assert.Equal(t, third, rec.ID)

	s.Remove(ctx, third)
	rec, _ = s.MostRecentInFlight()
	assert.Equal(t, second, rec.ID)

	all := s.GetAllInFlight()
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0].ID)
	assert.Equal(t, second, all[1].ID)
}

func TestStore_HasInFlightForModel(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, NewMemoryMedium(), 3)

	id, _ := s.Start(ctx, StartConfig{ModelID: "stable_video"})
	assert.True(t, s.HasInFlightForModel("stable_video"))
	assert.False(t, s.HasInFlightForModel("flux"))

	s.Complete(ctx, id, nil)
	assert.False(t, s.HasInFlightForModel("stable_video"))
}

func TestStore_Sweep(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, NewMemoryMedium(), 5)
	retention := 24 * time.Hour

	oldInFlight, _ := s.Start(ctx, StartConfig{ModelID: "stable_video"})
	oldFinished, _ := s.Start(ctx, StartConfig{ModelID: "flux"})
	s.Complete(ctx, oldFinished, []Result{{URL: "a", Type: "image"}})

	clock.Advance(23 * time.Hour)
	youngInFlight, _ := s.Start(ctx, StartConfig{ModelID: "stable_video"})
	youngFinished, _ := s.Start(ctx, StartConfig{ModelID: "flux"})
	s.Complete(ctx, youngFinished, []Result{{URL: "b", Type: "image"}})

	clock.Advance(2 * time.Hour)
	report := s.Sweep(ctx, clock.Now(), retention)

	assert.Equal(t, []string{oldInFlight}, report.InFlight)
	assert.Equal(t, []string{oldFinished}, report.Finished)
	assert.Equal(t, 2, report.Total())

	for _, id := range []string{oldInFlight, oldFinished} {
		_, ok := s.Get(id)
		assert.False(t, ok, "expired %s should be swept", id)
	}
	for _, id := range []string{youngInFlight, youngFinished} {
		_, ok := s.Get(id)
		assert.True(t, ok, "young %s should survive", id)
	}
	assert.Equal(t, clock.Now(), s.LastCleanup())

	t.Run("sweep is idempotent", func(t *testing.T) {
		again := s.Sweep(ctx, clock.Now(), retention)
		assert.Zero(t, again.Total())
		assert.Equal(t, 1, s.InFlightCount())
		assert.Len(t, s.GetAllFinished(), 1)
	})
}

func TestStore_SweepKeepsRecordsWrittenElsewhere(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()
	longRunning, clock := newTestStore(t, medium, 3)
	other, _ := newTestStore(t, medium, 3)

	id, err := other.Start(ctx, StartConfig{ModelID: "stable_video", Prompt: "rain"})
	require.NoError(t, err)

	report := longRunning.Sweep(ctx, clock.Now(), 24*time.Hour)
	assert.Zero(t, report.Total())

	entry, ok := longRunning.Get(id)
	require.True(t, ok, "sweep adopts the persisted state")
	assert.Equal(t, "rain", entry.InFlight.Prompt)

	reloaded, _ := newTestStore(t, medium, 3)
	_, ok = reloaded.Get(id)
	assert.True(t, ok)
	assert.Equal(t, clock.Now(), reloaded.LastCleanup())
}

func TestStore_PersistsAcrossReload(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()
	s, _ := newTestStore(t, medium, 3)

	inflight, _ := s.Start(ctx, StartConfig{ModelID: "stable_video", Prompt: "surf"})
	s.Update(ctx, inflight, StatusPending, Patch{BackendJobID: "backend-7"})
	done, _ := s.Start(ctx, StartConfig{ModelID: "flux"})
	s.Complete(ctx, done, []Result{{URL: "x", Type: "image"}})

	reloaded, _ := newTestStore(t, medium, 3)

	entry, ok := reloaded.Get(inflight)
	require.True(t, ok)
	assert.Equal(t, "backend-7", entry.InFlight.BackendJobID)
	assert.Equal(t, "surf", entry.InFlight.Prompt)

	entry, ok = reloaded.Get(done)
	require.True(t, ok)
	require.NotNil(t, entry.Finished)
	assert.Equal(t, "x", entry.Finished.Results[0].URL)
}

func TestStore_BlobLayout(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()
	s, _ := newTestStore(t, medium, 3)

	id, _ := s.Start(ctx, StartConfig{ModelID: "flux", Prompt: "cat"})

	blob, err := medium.Load(ctx, "generationState")
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(blob, &raw))
	assert.Contains(t, raw, "activeGenerations")
	assert.Contains(t, raw, "completedGenerations")
	assert.Contains(t, raw, "lastCleanup")

	var active map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw["activeGenerations"], &active))
	require.Contains(t, active, id)
	assert.Equal(t, "flux", active[id]["modelId"])
	assert.Equal(t, "pending", active[id]["status"])
}

func TestStore_InitCreatesDefaultShape(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()
	newTestStore(t, medium, 3)

	blob, err := medium.Load(ctx, "generationState")
	require.NoError(t, err)

	var st State
	require.NoError(t, json.Unmarshal(blob, &st))
	assert.NotNil(t, st.ActiveGenerations)
	assert.NotNil(t, st.CompletedGenerations)
}

func TestStore_CorruptBlobStartsEmpty(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()
	require.NoError(t, medium.Save(ctx, "generationState", []byte("{not json")))

	s, _ := newTestStore(t, medium, 3)
	assert.Equal(t, 0, s.InFlightCount())

	_, err := s.Start(ctx, StartConfig{ModelID: "flux"})
	require.NoError(t, err)
	assert.Equal(t, 1, s.InFlightCount())
}

func TestStore_WriteFailureKeepsMemoryInSync(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()
	s, _ := newTestStore(t, medium, 3)

	id, err := s.Start(ctx, StartConfig{ModelID: "flux"})
	require.NoError(t, err)

	medium.SetFailSave(errors.New("quota exceeded"))

	t.Run("failed start returns id without recording", func(t *testing.T) {
		other, err := s.Start(ctx, StartConfig{ModelID: "flux"})
		require.NoError(t, err, "write failures are never returned")
		assert.NotEmpty(t, other)
		_, ok := s.Get(other)
		assert.False(t, ok)
	})

	t.Run("failed complete leaves record in flight", func(t *testing.T) {
		assert.True(t, s.Complete(ctx, id, []Result{{URL: "a", Type: "image"}}))
		entry, ok := s.Get(id)
		require.True(t, ok)
		assert.NotNil(t, entry.InFlight)
		assert.Nil(t, entry.Finished)
	})

	medium.SetFailSave(nil)

	t.Run("store recovers once writes succeed", func(t *testing.T) {
		assert.True(t, s.Complete(ctx, id, []Result{{URL: "a", Type: "image"}}))
		entry, _ := s.Get(id)
		assert.NotNil(t, entry.Finished)
	})
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()
	s, _ := newTestStore(t, medium, 3)

	s.Start(ctx, StartConfig{ModelID: "flux"})
	require.NoError(t, s.Reset(ctx))

	assert.Equal(t, 0, s.InFlightCount())
	_, err := medium.Load(ctx, "generationState")
	assert.ErrorIs(t, err, ErrNoState)
}

func TestStore_ReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, NewMemoryMedium(), 3)

	id, _ := s.Start(ctx, StartConfig{
		ModelID:  "flux",
		Snapshot: RequestSnapshot{Fields: map[string]string{"style": "vector"}},
	})

	entry, _ := s.Get(id)
	entry.InFlight.RequestSnapshot.Fields["style"] = "mutated"
	entry.InFlight.Prompt = "mutated"

	again, _ := s.Get(id)
	assert.Equal(t, "vector", again.InFlight.RequestSnapshot.Fields["style"])
	assert.Empty(t, again.InFlight.Prompt)
}

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusTimeout, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.IsTerminal())
		})
	}
}
