package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	vk "github.com/vulkan-go/vulkan"
)

func TestRoleWriteMaskColorIsWrite(t *testing.T) {
	stage, access, isWrite := roleWriteMask(AttachmentColor)
	assert.True(t, isWrite)
	assert.Equal(t, vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit), stage)
	assert.Equal(t, vk.AccessFlags(vk.AccessColorAttachmentWriteBit), access)
}

func TestRoleWriteMaskInputIsNotWrite(t *testing.T) {
	_, _, isWrite := roleWriteMask(AttachmentInput)
	assert.False(t, isWrite)
}

func TestRoleWriteMaskPreserveIsZero(t *testing.T) {
	stage, access, isWrite := roleWriteMask(AttachmentPreserve)
	assert.False(t, isWrite)
	assert.Equal(t, vk.PipelineStageFlags(0), stage)
	assert.Equal(t, vk.AccessFlags(0), access)
}

func TestRoleReadMaskDepthStencil(t *testing.T) {
	stage, access := roleReadMask(AttachmentDepthStencil)
	assert.Equal(t, vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit|vk.PipelineStageLateFragmentTestsBit), stage)
	assert.Equal(t, vk.AccessFlags(vk.AccessDepthStencilAttachmentReadBit), access)
}

func TestRoleReadMaskInputIncludesShaderRead(t *testing.T) {
	_, access := roleReadMask(AttachmentInput)
	assert.Equal(t, vk.AccessFlags(vk.AccessInputAttachmentReadBit|vk.AccessShaderReadBit), access)
}
