package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/chatrelay/internal/push"
)

type recorder struct {
	mu   sync.Mutex
	msgs []any
}

func (r *recorder) Broadcast(msg any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return 1
}

func TestShow_TagReuseReplaces(t *testing.T) {
	c := NewCenter(nil)

	c.Show(push.Decode([]byte(`{"conversation_id":"c1","sender_name":"A","content":"one"}`)))
	c.Show(push.Decode([]byte(`{"conversation_id":"c1","sender_name":"A","content":"two"}`)))

	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, "two", list[0].Body)
	assert.Equal(t, "chatr-msg-c1", list[0].Tag)
}

func TestShow_UntaggedNeverCoalesce(t *testing.T) {
	c := NewCenter(nil)

	a := c.Show(push.Decode([]byte("first")))
	b := c.Show(push.Decode([]byte("second")))

	assert.NotEmpty(t, a.Tag)
	assert.NotEqual(t, a.Tag, b.Tag)
	assert.Len(t, c.List(), 2)
}

func TestShow_Broadcasts(t *testing.T) {
	rec := &recorder{}
	c := NewCenter(rec)

	n := c.Show(push.Decode([]byte(`{"call_id":"c1"}`)))
	require.Len(t, rec.msgs, 1)
	msg, ok := rec.msgs[0].(shownMessage)
	require.True(t, ok)
	assert.Equal(t, "notification", msg.Type)
	assert.Equal(t, n.Tag, msg.Notification.Tag)

	assert.True(t, c.Close(n.Tag))
	assert.Len(t, rec.msgs, 2)
}

func TestClose(t *testing.T) {
	c := NewCenter(nil)
	n := c.Show(push.Decode([]byte(`{"call_id":"c1"}`)))

	_, ok := c.Get(n.Tag)
	assert.True(t, ok)
	assert.True(t, c.Close(n.Tag))
	assert.False(t, c.Close(n.Tag), "closing twice")
	_, ok = c.Get(n.Tag)
	assert.False(t, ok)
}

func TestDismiss_IsSilent(t *testing.T) {
	rec := &recorder{}
	c := NewCenter(rec)
	n := c.Show(push.Decode([]byte(`{"call_id":"c1"}`)))
	require.Len(t, rec.msgs, 1)

	assert.True(t, c.Dismiss(n.Tag))
	assert.False(t, c.Dismiss(n.Tag), "dismissing twice")
	assert.Len(t, rec.msgs, 1, "dismiss must not broadcast")
	_, ok := c.Get(n.Tag)
	assert.False(t, ok)
}

func TestList_OldestFirst(t *testing.T) {
	c := NewCenter(nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	c.Show(push.Notification{Tag: "b"})
	c.Show(push.Notification{Tag: "a"})

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Tag)
	assert.Equal(t, "a", list[1].Tag)
}
