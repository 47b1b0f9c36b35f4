package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// storeContract exercises the behaviour every backend must share.
func storeContract(t *testing.T, newStore func(t *testing.T) Store[record]) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put get", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "a", record{Name: "alpha", Count: 1}))
		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, record{Name: "alpha", Count: 1}, got)
	})

	t.Run("scan keeps insertion order across upserts", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, s.Put(ctx, id, record{Name: id}))
		}
		require.NoError(t, s.Put(ctx, "c", record{Name: "c", Count: 9}))

		all, err := s.Scan(ctx, nil)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"c", "a", "b"}, []string{all[0].Name, all[1].Name, all[2].Name})
		assert.Equal(t, 9, all[0].Count)
	})

	t.Run("scan with match", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 6; i++ {
			require.NoError(t, s.Put(ctx, fmt.Sprint(i), record{Name: fmt.Sprint(i), Count: i}))
		}
		even, err := s.Scan(ctx, func(r record) bool { return r.Count%2 == 0 })
		require.NoError(t, err)
		assert.Len(t, even, 3)
	})

	t.Run("scan where", func(t *testing.T) {
		s := newStore(t)
		for i, name := range []string{"alpha", "beta", "alpha"} {
			require.NoError(t, s.Put(ctx, fmt.Sprint(i), record{Name: name, Count: i}))
		}

		got, err := s.ScanWhere(ctx, map[string]string{"name": "alpha"}, nil)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, []int{0, 2}, []int{got[0].Count, got[1].Count})

		got, err = s.ScanWhere(ctx, map[string]string{"name": "alpha"}, func(r record) bool { return r.Count > 0 })
		require.NoError(t, err)
		require.Len(t, got, 1)

		none, err := s.ScanWhere(ctx, map[string]string{"name": "gamma"}, nil)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("locked read-modify-write", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, Exclusive(ctx, s, func(ctx context.Context) error {
					return increment(ctx, s, "counter")
				}))
			}()
		}
		wg.Wait()

		got, err := s.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, 20, got.Count)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "a", record{Name: "alpha"}))
		require.NoError(t, s.Delete(ctx, "a"))
		assert.ErrorIs(t, s.Delete(ctx, "a"), ErrNotFound)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func increment(ctx context.Context, s Store[record], id string) error {
	cur, err := s.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	cur.Count++
	return s.Put(ctx, id, cur)
}

func TestMemory_Contract(t *testing.T) {
	storeContract(t, func(*testing.T) Store[record] { return NewMemory[record]() })
}

func TestMemory_ConcurrentPuts(t *testing.T) {
	s := NewMemory[record]()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Put(ctx, fmt.Sprint(i), record{Count: i})
		}(i)
	}
	wg.Wait()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestMemory_ScanEmptyIsNonNil(t *testing.T) {
	out, err := NewMemory[record]().Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}
