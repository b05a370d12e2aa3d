package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	vk "github.com/vulkan-go/vulkan"
)

func TestCommandBufferStateString(t *testing.T) {
	assert.Equal(t, "Recording", CommandBufferRecording.String())
	assert.Equal(t, "InFlight", CommandBufferInFlight.String())
	assert.Equal(t, "Done", CommandBufferDone.String())
	assert.Equal(t, "Unknown", CommandBufferState(99).String())
}

func TestErrWrongStateMessage(t *testing.T) {
	err := &ErrWrongState{Have: CommandBufferInFlight, Want: CommandBufferRecording, Op: "BindPipeline"}
	msg := err.Error()
	assert.Contains(t, msg, "BindPipeline")
	assert.Contains(t, msg, "InFlight")
	assert.Contains(t, msg, "Recording")
}

func TestErrFileIOUnwrap(t *testing.T) {
	inner := errors.New("permission denied")
	err := &ErrFileIO{Path: "/tmp/x.spv", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "/tmp/x.spv")
}

func TestCheckResultSuccessIsNil(t *testing.T) {
	assert.NoError(t, checkResult("vkDoThing", vk.Success))
}

func TestCheckResultFailureWrapsVulkanError(t *testing.T) {
	err := checkResult("vkDoThing", vk.ErrorOutOfHostMemory)
	require_ := assert.New(t)
	require_.Error(err)
	var vkErr *VulkanError
	require_.ErrorAs(err, &vkErr)
	require_.Equal("vkDoThing", vkErr.Call)
}

func TestErrNoSuitableQueueFamilyMessage(t *testing.T) {
	err := &ErrNoSuitableQueueFamily{Want: vk.QueueFlags(vk.QueueComputeBit)}
	assert.Contains(t, err.Error(), "queue family")
}
