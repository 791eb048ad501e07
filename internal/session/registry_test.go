package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryOrderAndRemove(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		r.Add(newSession(id, testRoom(id), now))
	}
	r.Add(newSession("a", testRoom("dup"), now)) // duplicate ignored

	assert.Equal(t, []string{"a", "b", "c"}, r.IDs())
	assert.Equal(t, 3, r.Len())

	assert.True(t, r.Remove("b"))
	assert.False(t, r.Remove("b"))
	assert.Equal(t, []string{"a", "c"}, r.IDs())

	s, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "https://example.daily.co/a", s.Room.URL)
}

func TestRegistryEmptyIDsEncodeAsList(t *testing.T) {
	r := NewRegistry()
	b, err := json.Marshal(r.IDs())
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(b))

	r.Add(newSession("a", testRoom("a"), time.Now()))
	r.Remove("a")
	b, err = json.Marshal(r.IDs())
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(b))
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			r.Add(newSession(id, testRoom(id), now))
			_ = r.IDs()
			if i%2 == 0 {
				r.Remove(id)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
	assert.Len(t, r.All(), 50)
}
