package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStore_GetOrCreateIsIdempotent(t *testing.T) {
	st := NewStore(zap.NewNop())
	id := NewID()

	a := st.GetOrCreate(id, "alice")
	b := st.GetOrCreate(id, "alice")
	assert.Same(t, a, b)
	assert.Equal(t, 1, st.Len())
}

func TestStore_GetUnknownSessionFails(t *testing.T) {
	st := NewStore(zap.NewNop())
	_, err := st.Get(NewID())
	require.Error(t, err)
}

func TestStore_DestroyCancelsActiveStream(t *testing.T) {
	st := NewStore(zap.NewNop())
	id := NewID()
	s := st.GetOrCreate(id, "alice")

	stream := &fakeStream{}
	_, err := s.StartSpeaking("", stream)
	require.NoError(t, err)

	st.Destroy(id)
	assert.True(t, stream.cancelled)
	assert.Equal(t, 0, st.Len())

	// Idempotent: destroying again is a no-op, not an error.
	st.Destroy(id)
}

func TestStore_IdleSinceEvictsStaleSessions(t *testing.T) {
	st := NewStore(zap.NewNop())
	id := NewID()
	s := st.GetOrCreate(id, "alice")
	s.Touch(time.Now().Add(-1 * time.Hour))

	evicted := st.IdleSince(time.Now().Add(-10 * time.Minute))
	require.Len(t, evicted, 1)
	assert.Equal(t, id, evicted[0])
	assert.Equal(t, 0, st.Len())
}

func TestStore_ConcurrentSessionsAreIndependentlySerialised(t *testing.T) {
	st := NewStore(zap.NewNop())
	a := st.GetOrCreate(NewID(), "a")
	b := st.GetOrCreate(NewID(), "b")

	done := make(chan struct{})
	go func() {
		_ = a.StartListening("wav")
		done <- struct{}{}
	}()
	_ = b.StartListening("wav")
	<-done

	assert.Equal(t, Listening, a.Phase())
	assert.Equal(t, Listening, b.Phase())
}
