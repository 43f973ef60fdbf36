package ids

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateULID(t *testing.T) {
	id := CreateULID()
	require.Len(t, id, 26)

	other := CreateULID()
	assert.NotEqual(t, id, other)
}

func TestCreateULIDConcurrent(t *testing.T) {
	const n = 200

	var mu sync.Mutex
	seen := make(map[string]struct{}, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := CreateULID()
			mu.Lock()
			seen[id] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
}

func TestCreateULIDSortable(t *testing.T) {
	first := CreateULID()
	second := CreateULID()
	assert.LessOrEqual(t, first, second)
}

func TestShortHex(t *testing.T) {
	suffix := ShortHex(4)
	assert.Len(t, suffix, 8)
	assert.NotEqual(t, suffix, ShortHex(4))
}
