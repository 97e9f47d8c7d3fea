package mport_test

import (
	"sync"
	"testing"

	"github.com/gordian-engine/modnet/internal/mport"
	"github.com/gordian-engine/modnet/mtransport"
	"github.com/stretchr/testify/require"
)

func TestAllocator_lowestFirst(t *testing.T) {
	t.Parallel()

	a := mport.NewAllocator()

	for want := mtransport.Port(1); want <= 3; want++ {
		got, err := a.Allocate()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	// Release the middle one; it must come back next.
	a.Release(2)
	require.False(t, a.Held(2))

	got, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, mtransport.Port(2), got)

	got, err = a.Allocate()
	require.NoError(t, err)
	require.Equal(t, mtransport.Port(4), got)
}

func TestAllocator_reservesZero(t *testing.T) {
	t.Parallel()

	a := mport.NewAllocator()
	require.True(t, a.Held(0))
	require.Zero(t, a.Count())

	require.Panics(t, func() {
		a.Release(0)
	})
}

func TestAllocator_doubleReleasePanics(t *testing.T) {
	t.Parallel()

	a := mport.NewAllocator()
	p, err := a.Allocate()
	require.NoError(t, err)

	a.Release(p)
	require.Panics(t, func() {
		a.Release(p)
	})
}

func TestAllocator_growsPastFirstWord(t *testing.T) {
	t.Parallel()

	a := mport.NewAllocator()
	for want := mtransport.Port(1); want < 200; want++ {
		got, err := a.Allocate()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	a.Release(100)
	a.Release(70)

	got, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, mtransport.Port(70), got)
}

func TestAllocator_exhausted(t *testing.T) {
	t.Parallel()

	a := mport.NewAllocator()
	for range 65535 {
		_, err := a.Allocate()
		require.NoError(t, err)
	}

	_, err := a.Allocate()
	require.ErrorIs(t, err, mport.ErrExhausted)

	a.Release(12345)
	got, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, mtransport.Port(12345), got)
}

func TestAllocator_concurrentUnique(t *testing.T) {
	t.Parallel()

	a := mport.NewAllocator()

	const workers = 8
	const perWorker = 100

	results := make([][]mtransport.Port, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				p, err := a.Allocate()
				if err != nil {
					t.Error(err)
					return
				}
				results[i] = append(results[i], p)
			}
		}()
	}
	wg.Wait()

	seen := make(map[mtransport.Port]struct{}, workers*perWorker)
	for _, ps := range results {
		for _, p := range ps {
			_, dup := seen[p]
			require.False(t, dup, "port %d handed out twice", p)
			seen[p] = struct{}{}
		}
	}
	require.Len(t, seen, workers*perWorker)
	require.Equal(t, workers*perWorker, a.Count())
}
