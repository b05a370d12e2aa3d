package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	vk "github.com/vulkan-go/vulkan"
)

func TestDefaultAttachmentInfoColor(t *testing.T) {
	info := defaultAttachmentInfo(false)
	assert.Equal(t, vk.FormatR8g8b8a8Unorm, info.Format)
	assert.Equal(t, uint32(1024), info.Extent.Width)
	assert.NotZero(t, info.Usage&vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit))
}

func TestDefaultAttachmentInfoDepth(t *testing.T) {
	info := defaultAttachmentInfo(true)
	assert.Equal(t, vk.FormatD32Sfloat, info.Format)
	assert.NotZero(t, info.Usage&vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit))
}

func TestRenderNodeWritesAttachment(t *testing.T) {
	n := &RenderNode{
		Name: "gbuffer",
		Subpasses: []SubpassDesc{
			{Uses: []SubpassAttachmentUse{
				{Name: "albedo", Role: AttachmentColor},
				{Name: "shadowMap", Role: AttachmentInput},
			}},
		},
	}
	assert.True(t, n.writesAttachment("albedo"))
	assert.False(t, n.writesAttachment("shadowMap"))
	assert.False(t, n.writesAttachment("missing"))
}

func TestRenderNodeReadsAttachment(t *testing.T) {
	n := &RenderNode{Name: "lighting", ExternalDeps: []string{"albedo", "shadowMap"}}
	assert.True(t, n.readsAttachment("albedo"))
	assert.False(t, n.readsAttachment("other"))
}

func TestErrRenderGraphCycleMessageListsNodes(t *testing.T) {
	err := &ErrRenderGraphCycle{Nodes: []string{"a", "b"}}
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")
}

func TestNewRenderGraphStartsDirty(t *testing.T) {
	g := NewRenderGraph(nil, nil)
	assert.True(t, g.dirty)
	assert.Empty(t, g.Order())
}

func TestAssignRenderNodeMarksDirty(t *testing.T) {
	g := NewRenderGraph(nil, nil)
	g.dirty = false
	g.AssignRenderNode(&RenderNode{Name: "main"})
	assert.True(t, g.dirty)
	assert.NotNil(t, g.Node("main"))
}
