package pondsync

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreCreate(t *testing.T) {
	t.Run("creates new entry successfully", func(t *testing.T) {
		s := newStore[string]()

		require.NoError(t, s.Create("key1", "value1"))

		val, err := s.Read("key1")
		require.NoError(t, err)
		assert.Equal(t, "value1", val)
	})

	t.Run("returns conflict when key already exists", func(t *testing.T) {
		s := newStore[string]()
		_ = s.Create("key1", "value1")

		err := s.Create("key1", "value2")

		var pondErr *Error
		require.True(t, errors.As(err, &pondErr))
		assert.Equal(t, StatusConflict, pondErr.Code)

		val, _ := s.Read("key1")
		assert.Equal(t, "value1", val)
	})
}

func TestStoreRead(t *testing.T) {
	s := newStore[int]()

	_, err := s.Read("nonexistent")

	var pondErr *Error
	require.True(t, errors.As(err, &pondErr))
	assert.Equal(t, StatusNotFound, pondErr.Code)
	assert.Equal(t, "nonexistent", pondErr.ChannelName)
}

func TestStoreGetOrCreate(t *testing.T) {
	t.Run("creates once and returns the same value afterwards", func(t *testing.T) {
		s := newStore[*int]()
		calls := 0
		factory := func() *int {
			calls++
			v := calls
			return &v
		}

		first, created := s.GetOrCreate("a", factory)
		assert.True(t, created)
		second, created := s.GetOrCreate("a", factory)
		assert.False(t, created)

		assert.Same(t, first, second)
		assert.Equal(t, 1, calls)
	})

	t.Run("concurrent callers share one value", func(t *testing.T) {
		s := newStore[*int]()
		var wg sync.WaitGroup
		results := make([]*int, 20)

		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], _ = s.GetOrCreate("shared", func() *int { v := i; return &v })
			}(i)
		}
		wg.Wait()

		for _, r := range results {
			assert.Same(t, results[0], r)
		}
	})
}

func TestStoreDeleteIf(t *testing.T) {
	s := newStore[string]()
	s.Upsert("session", "new")

	assert.False(t, s.DeleteIf("session", func(v string) bool { return v == "old" }))
	assert.True(t, s.DeleteIf("session", func(v string) bool { return v == "new" }))
	assert.False(t, s.DeleteIf("session", func(string) bool { return true }))
	assert.Equal(t, 0, s.Len())
}

func TestStoreDeleteAndKeys(t *testing.T) {
	s := newStore[int]()
	s.Upsert("b", 2)
	s.Upsert("a", 1)
	s.Upsert("c", 3)

	assert.Equal(t, []string{"a", "b", "c"}, s.Keys())
	assert.ElementsMatch(t, []int{1, 2, 3}, s.Values())

	require.NoError(t, s.Delete("b"))
	assert.Error(t, s.Delete("b"))
	assert.Equal(t, []string{"a", "c"}, s.Keys())
}

func TestErrorWrapping(t *testing.T) {
	t.Run("wrap keeps the code of a pondsync error", func(t *testing.T) {
		base := notFound("chat:1", "conversation not found")

		err := wrap(base, "failed to mark conversation read")

		assert.Equal(t, StatusNotFound, err.Code)
		assert.Equal(t, "chat:1", err.ChannelName)
		assert.Equal(t, "Error in Channel chat:1: failed to mark conversation read: conversation not found (code: 404)", err.Error())
	})

	t.Run("wrap turns foreign errors into internal errors", func(t *testing.T) {
		cause := errors.New("connection refused")

		err := wrapF(cause, "subscribe %s", "chat:1")

		assert.Equal(t, StatusInternalServerError, err.Code)
		assert.ErrorIs(t, err, cause)
		assert.Nil(t, wrap(nil, "nothing"))
	})

	t.Run("unavailable errors are temporary", func(t *testing.T) {
		cause := errors.New("dial tcp: timeout")
		err := unavailable("chat:1", "subscribe failed").withCause(cause)

		assert.True(t, IsTemporary(err))
		assert.True(t, IsTemporary(wrap(err, "reconnect")))
		assert.ErrorIs(t, err, cause)
		assert.False(t, IsTemporary(cause))
	})
}

func TestMultiError(t *testing.T) {
	first := errors.New("first")
	second := errors.New("second")

	assert.Nil(t, combine(nil, nil))
	assert.Same(t, first, combine(nil, first))

	err := combine(first, nil, second)
	assert.EqualError(t, err, "first; second")
	assert.ErrorIs(t, err, second)

	var acc error
	acc = addError(acc, first)
	acc = addError(acc, nil)
	acc = addError(acc, second)
	assert.EqualError(t, acc, "first; second")
}
