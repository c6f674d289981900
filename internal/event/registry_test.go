package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_EmitInOrder(t *testing.T) {
	var r Registry[int]
	var got []string

	r.On(func(v int) { got = append(got, "a") })
	r.On(func(v int) { got = append(got, "b") })
	r.Emit(1)

	assert.Equal(t, []string{"a", "b"}, got)
}

func TestRegistry_Unregister(t *testing.T) {
	var r Registry[string]
	calls := 0

	off := r.On(func(string) { calls++ })
	r.Emit("x")
	off()
	off()
	r.Emit("y")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_UnregisterDuringEmit(t *testing.T) {
	var r Registry[int]
	calls := 0

	var off Unregister
	off = r.On(func(int) {
		calls++
		off()
	})
	r.Emit(1)
	r.Emit(2)

	assert.Equal(t, 1, calls)
}

func TestRegistry_Clear(t *testing.T) {
	var r Registry[int]
	r.On(func(int) { t.Fatal("cleared listener called") })
	r.Clear()
	r.Emit(1)

	assert.Equal(t, 0, r.Len())
}
