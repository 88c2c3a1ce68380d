package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestStore_GetOrCreateCallsFactoryOnce(t *testing.T) {
	calls := 0
	st := NewStore(func(sessionID string) Conversation {
		calls++
		return New("sys", 50, &fakeCompleter{}, zap.NewNop()).AsConversation()
	})

	a := st.GetOrCreate("s1")
	b := st.GetOrCreate("s1")
	assert.Same(t, a, b)
	assert.Equal(t, 1, calls)
}

func TestStore_DestroyThenGetOrCreateRebuilds(t *testing.T) {
	calls := 0
	st := NewStore(func(sessionID string) Conversation {
		calls++
		return New("sys", 50, &fakeCompleter{}, zap.NewNop()).AsConversation()
	})

	st.GetOrCreate("s1")
	st.Destroy("s1")
	st.GetOrCreate("s1")
	assert.Equal(t, 2, calls)
}
