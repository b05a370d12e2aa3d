package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackingInUseFalseWhenUntracked(t *testing.T) {
	var tr tracking
	assert.False(t, tr.InUse())
}

func TestTrackingInUseTrueWhileHolderAlive(t *testing.T) {
	var tr tracking
	tok := &cbToken{alive: true}
	tr.track(tok)
	assert.True(t, tr.InUse())
}

func TestTrackingInUseFalseAfterHolderDies(t *testing.T) {
	var tr tracking
	tok := &cbToken{alive: true}
	tr.track(tok)
	tok.alive = false
	assert.False(t, tr.InUse())
}

func TestTrackingInUseDropsDeadEntriesButKeepsLiveOnes(t *testing.T) {
	var tr tracking
	dead := &cbToken{alive: false}
	alive := &cbToken{alive: true}
	tr.track(dead)
	tr.track(alive)

	assert.True(t, tr.InUse())
	assert.Len(t, tr.holders, 1)
	_, stillThere := tr.holders[alive]
	assert.True(t, stillThere)
}
