package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	vk "github.com/vulkan-go/vulkan"
)

func TestDescriptorWriteKeyDistinctPerBindingAndIndex(t *testing.T) {
	a := descriptorWriteKey(0, 0)
	b := descriptorWriteKey(0, 1)
	c := descriptorWriteKey(1, 0)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func newTestDescriptorSet() *DescriptorSet {
	return &DescriptorSet{
		pending: map[uint64]descriptorWrite{},
		bound:   map[uint64]descriptorWrite{},
	}
}

func TestWriteBufferStagesPendingWrite(t *testing.T) {
	s := newTestDescriptorSet()
	view := BufferView{Buffer: &Buffer{}, Count: 1, ElementSize: 4}
	s.WriteBuffer(0, 0, vk.DescriptorTypeUniformBuffer, view)
	assert.Len(t, s.pending, 1)
}

func TestWriteBufferIsNoOpWhenIdenticalToBound(t *testing.T) {
	s := newTestDescriptorSet()
	view := BufferView{Buffer: &Buffer{}, Count: 1, ElementSize: 4}
	key := descriptorWriteKey(0, 0)
	w := descriptorWrite{kind: entryBuffer, typ: vk.DescriptorTypeUniformBuffer, buffer: view}
	s.bound[key] = w

	s.WriteBuffer(0, 0, vk.DescriptorTypeUniformBuffer, view)

	assert.Empty(t, s.pending, "re-writing an already-bound entry must not re-stage it")
}

func TestWriteBufferStagesWhenDifferentFromBound(t *testing.T) {
	s := newTestDescriptorSet()
	oldView := BufferView{Buffer: &Buffer{}, Count: 1, ElementSize: 4}
	newBuf := &Buffer{}
	newView := BufferView{Buffer: newBuf, Count: 1, ElementSize: 4}
	key := descriptorWriteKey(0, 0)
	s.bound[key] = descriptorWrite{kind: entryBuffer, typ: vk.DescriptorTypeUniformBuffer, buffer: oldView}

	s.WriteBuffer(0, 0, vk.DescriptorTypeUniformBuffer, newView)

	assert.Len(t, s.pending, 1)
}

func TestWriteImageIsNoOpWhenIdenticalToBound(t *testing.T) {
	s := newTestDescriptorSet()
	key := descriptorWriteKey(2, 1)
	w := descriptorWrite{kind: entryImage, typ: vk.DescriptorTypeCombinedImageSampler}
	w.image.sampler = vk.Sampler(1)
	w.image.layout = vk.ImageLayoutShaderReadOnlyOptimal
	s.bound[key] = w

	s.WriteImage(2, 1, vk.DescriptorTypeCombinedImageSampler, vk.Sampler(1), w.image.view, vk.ImageLayoutShaderReadOnlyOptimal)

	assert.Empty(t, s.pending)
}
