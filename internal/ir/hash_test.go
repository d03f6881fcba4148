package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateHashDeterministic(t *testing.T) {
	a := Object{"scores": Object{"p1": Int(3), "p2": Int(5)}, "rounds": Int(1)}
	b := Object{"rounds": Int(1), "scores": Object{"p2": Int(5), "p1": Int(3)}}

	ha, err := StateHash(a)
	require.NoError(t, err)
	hb, err := StateHash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestStateHashDiffers(t *testing.T) {
	a := MustStateHash(Object{"rounds": Int(1)})
	b := MustStateHash(Object{"rounds": Int(2)})
	assert.NotEqual(t, a, b)
}

func TestHashDomainSeparation(t *testing.T) {
	payload := Object{"x": Int(1)}

	state := MustStateHash(Object{"type": String("t"), "payload": payload})
	fp, err := PayloadHash("t", payload)
	require.NoError(t, err)

	assert.NotEqual(t, state, fp, "same bytes under different domains must not collide")
}

func TestStateHashRejectsNull(t *testing.T) {
	_, err := StateHash(Object{"x": Null{}})
	assert.Error(t, err)
}
