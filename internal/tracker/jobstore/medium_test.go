package jobstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/genjob/shared/logger"
	"github.com/cuongbtq/genjob/shared/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteMedium(t *testing.T) *SQLMedium {
	t.Helper()
	client, err := sqlite.NewClient(&sqlite.Config{Path: ":memory:"}, logger.NewDiscard().Logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	m, err := NewSQLMedium(context.Background(), client.GetDB())
	require.NoError(t, err)
	return m
}

type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
	err  error
}

func newFakeKV() *fakeKV { return &fakeKV{data: make(map[string]string)} }

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (f *fakeKV) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.data[key] = value.(string)
	return nil
}

func (f *fakeKV) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func TestMedia_Contract(t *testing.T) {
	media := map[string]func(t *testing.T) Medium{
		"memory": func(t *testing.T) Medium { return NewMemoryMedium() },
		"sqlite": func(t *testing.T) Medium { return newSQLiteMedium(t) },
		"redis":  func(t *testing.T) Medium { return NewRedisMedium(newFakeKV(), "genjob:") },
	}

	for name, build := range media {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := build(t)

			_, err := m.Load(ctx, "generationState")
			assert.ErrorIs(t, err, ErrNoState)

			require.NoError(t, m.Save(ctx, "generationState", []byte(`{"a":1}`)))
			require.NoError(t, m.Save(ctx, "generationState", []byte(`{"a":2}`)))

			blob, err := m.Load(ctx, "generationState")
			require.NoError(t, err)
			assert.JSONEq(t, `{"a":2}`, string(blob))

			require.NoError(t, m.Clear(ctx, "generationState"))
			_, err = m.Load(ctx, "generationState")
			assert.ErrorIs(t, err, ErrNoState)
		})
	}
}

func TestSQLMedium_BacksStore(t *testing.T) {
	ctx := context.Background()
	medium := newSQLiteMedium(t)

	s, _ := newTestStore(t, medium, 3)
	id, err := s.Start(ctx, StartConfig{ModelID: "stable_video", Prompt: "dolphins"})
	require.NoError(t, err)

	reloaded, _ := newTestStore(t, medium, 3)
	entry, ok := reloaded.Get(id)
	require.True(t, ok)
	assert.Equal(t, "dolphins", entry.InFlight.Prompt)
}

func TestRedisMedium_PrefixesKeys(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	m := NewRedisMedium(kv, "genjob:")

	require.NoError(t, m.Save(ctx, "generationState", []byte("{}")))
	assert.Contains(t, kv.data, "genjob:generationState")
}

func TestRedisMedium_LoadErrorIsNotNoState(t *testing.T) {
	kv := newFakeKV()
	kv.err = errors.New("connection refused")
	m := NewRedisMedium(kv, "")

	_, err := m.Load(context.Background(), "generationState")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoState)
}

// flakyMedium fails the next loadFailures reads, then behaves like its inner medium
type flakyMedium struct {
	*MemoryMedium
	mu           sync.Mutex
	loadFailures int
}

func (f *flakyMedium) Load(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	if f.loadFailures > 0 {
		f.loadFailures--
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.MemoryMedium.Load(ctx, key)
}

func TestStore_UnreadableMediumKeepsPersistedState(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()
	first, clock := newTestStore(t, medium, 3)
	id, err := first.Start(ctx, StartConfig{ModelID: "stable_video", Prompt: "waves"})
	require.NoError(t, err)

	flaky := &flakyMedium{MemoryMedium: medium, loadFailures: 2}
	s, _ := newTestStore(t, flaky, 3)
	assert.Equal(t, 0, s.InFlightCount(), "nothing was read")

	t.Run("sweep is refused while the blob is unread", func(t *testing.T) {
		report := s.Sweep(ctx, clock.Now().Add(48*time.Hour), 24*time.Hour)
		assert.Zero(t, report.Total())

		healthy, _ := newTestStore(t, medium, 3)
		_, ok := healthy.Get(id)
		assert.True(t, ok, "persisted job must survive a failed load followed by a sweep")
	})

	t.Run("next mutation reloads before writing", func(t *testing.T) {
		other, err := s.Start(ctx, StartConfig{ModelID: "flux"})
		require.NoError(t, err)
		assert.Equal(t, 2, s.InFlightCount())

		healthy, _ := newTestStore(t, medium, 3)
		for _, want := range []string{id, other} {
			_, ok := healthy.Get(want)
			assert.True(t, ok, "%s should be persisted", want)
		}
	})
}

func TestStore_UnreadableMediumStartsEmpty(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	m := NewRedisMedium(kv, "")

	seed, _ := newTestStore(t, m, 3)
	id, err := seed.Start(ctx, StartConfig{ModelID: "stable_video"})
	require.NoError(t, err)
	before := kv.data["generationState"]

	kv.err = errors.New("connection refused")
	s, clock := newTestStore(t, m, 3)
	assert.Equal(t, 0, s.InFlightCount())

	untracked, err := s.Start(ctx, StartConfig{ModelID: "flux"})
	require.NoError(t, err, "store errors are never returned")
	assert.NotEmpty(t, untracked)
	assert.False(t, s.Update(ctx, id, StatusPending, Patch{Progress: 50}))
	assert.Zero(t, s.Sweep(ctx, clock.Now().Add(48*time.Hour), time.Hour).Total())

	kv.err = nil
	assert.Equal(t, before, kv.data["generationState"])

	recovered, _ := newTestStore(t, m, 3)
	_, ok := recovered.Get(id)
	assert.True(t, ok)
}
