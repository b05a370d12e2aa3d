package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	vk "github.com/vulkan-go/vulkan"
)

func TestAspectIndexKnownAndUnknown(t *testing.T) {
	assert.Equal(t, 0, aspectIndex(vk.ImageAspectFlags(vk.ImageAspectColorBit)))
	assert.Equal(t, 1, aspectIndex(vk.ImageAspectFlags(vk.ImageAspectDepthBit)))
	assert.Equal(t, 2, aspectIndex(vk.ImageAspectFlags(vk.ImageAspectStencilBit)))
	assert.Equal(t, -1, aspectIndex(vk.ImageAspectFlags(vk.ImageAspectMetadataBit)))
}

func TestMaxMips(t *testing.T) {
	assert.Equal(t, uint32(1), MaxMips(vk.Extent3D{Width: 1, Height: 1, Depth: 1}))
	assert.Equal(t, uint32(9), MaxMips(vk.Extent3D{Width: 256, Height: 256, Depth: 1}))
	assert.Equal(t, uint32(1), MaxMips(vk.Extent3D{}))
}

func newTestImage(layers, levels uint32) *Image {
	return newImageFromHandle(nil, nil, vk.Image(vk.NullHandle), nil, vk.Extent3D{Width: 64, Height: 64, Depth: 1},
		vk.FormatR8g8b8a8Unorm, layers, levels, vk.SampleCount1Bit, vk.ImageUsageFlags(vk.ImageUsageSampledBit))
}

func TestImageStateIndexDistinctPerSubresource(t *testing.T) {
	img := newTestImage(2, 4)
	a := img.stateIndex(0, 0, 0)
	b := img.stateIndex(0, 0, 1)
	c := img.stateIndex(0, 1, 0)
	d := img.stateIndex(1, 0, 0)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestImageTrackedStateInitiallyUndefined(t *testing.T) {
	img := newTestImage(1, 1)
	st, err := img.trackedState(vk.ImageAspectFlags(vk.ImageAspectColorBit), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, vk.ImageLayoutUndefined, st.layout)
}

func TestImageTrackedStateOutOfRangeErrors(t *testing.T) {
	img := newTestImage(1, 1)
	_, err := img.trackedState(vk.ImageAspectFlags(vk.ImageAspectColorBit), 5, 0)
	require.Error(t, err)
	var subErr *ErrInvalidSubresource
	assert.ErrorAs(t, err, &subErr)
}

func TestImageTrackedStateMutationPersists(t *testing.T) {
	img := newTestImage(1, 1)
	st, err := img.trackedState(vk.ImageAspectFlags(vk.ImageAspectColorBit), 0, 0)
	require.NoError(t, err)
	st.layout = vk.ImageLayoutTransferDstOptimal

	again, err := img.trackedState(vk.ImageAspectFlags(vk.ImageAspectColorBit), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, vk.ImageLayoutTransferDstOptimal, again.layout)
}

func TestStageAccessForLayoutKnownCases(t *testing.T) {
	stage, access := stageAccessForLayout(vk.ImageLayoutTransferDstOptimal)
	assert.Equal(t, vk.PipelineStageFlags(vk.PipelineStageTransferBit), stage)
	assert.Equal(t, vk.AccessFlags(vk.AccessTransferWriteBit), access)

	stage, access = stageAccessForLayout(vk.ImageLayoutShaderReadOnlyOptimal)
	assert.Equal(t, vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit), stage)
	assert.Equal(t, vk.AccessFlags(vk.AccessShaderReadBit), access)
}

func TestStageAccessForLayoutUndefinedHasNoAccess(t *testing.T) {
	_, access := stageAccessForLayout(vk.ImageLayoutUndefined)
	assert.Equal(t, vk.AccessFlags(0), access)
}
