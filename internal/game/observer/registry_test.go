package observer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gameplay/internal/game/observer"
)

func TestRegistry_PublishInSubscriptionOrder(t *testing.T) {
	r := observer.NewRegistry[string, int]()
	var got []string
	r.Subscribe("hp", func(v int) { got = append(got, "a") })
	r.Subscribe("hp", func(v int) { got = append(got, "b") })
	r.Subscribe("mana", func(v int) { got = append(got, "c") })
	r.Publish("hp", 1)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestRegistry_CancelIsIdempotent(t *testing.T) {
	r := observer.NewRegistry[string, int]()
	calls := 0
	sub := r.Subscribe("k", func(int) { calls++ })
	sub.Cancel()
	sub.Cancel()
	r.Publish("k", 0)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, r.Len("k"))
}

func TestRegistry_CancelDuringPublishSkipsLaterSubscriber(t *testing.T) {
	r := observer.NewRegistry[string, int]()
	var second observer.Subscription
	calls := 0
	r.Subscribe("k", func(int) { second.Cancel() })
	second = r.Subscribe("k", func(int) { calls++ })
	r.Publish("k", 0)
	assert.Equal(t, 0, calls)
}

func TestGroup_CancelAll(t *testing.T) {
	l := observer.NewList[int]()
	var g observer.Group
	calls := 0
	g.Add(l.Subscribe(func(int) { calls++ }))
	g.Add(l.Subscribe(func(int) { calls++ }))
	g.CancelAll()
	l.Publish(1)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, l.Len())
}

func TestPropertyRegistry_LenMatchesLiveSubscriptions(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(t, "n")
		cancel := rapid.IntRange(0, n).Draw(t, "cancel")
		r := observer.NewRegistry[int, int]()
		subs := make([]observer.Subscription, n)
		for i := range subs {
			subs[i] = r.Subscribe(7, func(int) {})
		}
		for i := 0; i < cancel; i++ {
			subs[i].Cancel()
		}
		assert.Equal(t, n-cancel, r.Len(7))
	})
}
