package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_DoubleBuffered(t *testing.T) {
	b := NewBus()
	var got []string
	Subscribe(b, func(e ComponentAttached) { got = append(got, "attach") })
	Subscribe(b, func(e EntityDestroyed) { got = append(got, "destroy") })

	Emit(b, EntityDestroyed{Entity: 600})
	Emit(b, ComponentAttached{Entity: 600})
	Emit(b, EntityDestroyed{Entity: 601})
	assert.Equal(t, 3, b.Pending())

	b.DispatchAll()
	assert.Empty(t, got, "events are not readable before the swap")

	b.SwapBuffers()
	assert.Zero(t, b.Pending())
	b.DispatchAll()
	assert.Equal(t, []string{"destroy", "destroy", "attach"}, got)

	got = nil
	b.SwapBuffers()
	b.DispatchAll()
	assert.Empty(t, got)
}
