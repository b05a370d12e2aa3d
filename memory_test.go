package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	vk "github.com/vulkan-go/vulkan"
)

func TestAlignUp(t *testing.T) {
	assert.Equal(t, vk.DeviceSize(0), alignUp(0, 16))
	assert.Equal(t, vk.DeviceSize(16), alignUp(1, 16))
	assert.Equal(t, vk.DeviceSize(16), alignUp(16, 16))
	assert.Equal(t, vk.DeviceSize(32), alignUp(17, 16))
	assert.Equal(t, vk.DeviceSize(5), alignUp(5, 0))
}

func newTestBlock(size vk.DeviceSize) *memoryBlock {
	return &memoryBlock{size: size, live: map[vk.DeviceSize]vk.DeviceSize{}}
}

func TestMemoryBlockFindGapEmptyBlock(t *testing.T) {
	b := newTestBlock(1024)
	off, ok := b.findGap(256, 16)
	assert.True(t, ok)
	assert.Equal(t, vk.DeviceSize(0), off)
}

func TestMemoryBlockFindGapFirstFitBetweenAllocations(t *testing.T) {
	b := newTestBlock(1024)
	b.insert(0, 100)
	b.insert(200, 300)

	off, ok := b.findGap(90, 1)
	assert.True(t, ok)
	assert.Equal(t, vk.DeviceSize(100), off)
}

func TestMemoryBlockFindGapRespectsAlignment(t *testing.T) {
	b := newTestBlock(1024)
	b.insert(0, 10)

	off, ok := b.findGap(16, 16)
	assert.True(t, ok)
	assert.Equal(t, vk.DeviceSize(16), off)
}

func TestMemoryBlockFindGapNoRoomFails(t *testing.T) {
	b := newTestBlock(100)
	b.insert(0, 100)

	_, ok := b.findGap(1, 1)
	assert.False(t, ok)
}

func TestMemoryBlockRemoveFreesGap(t *testing.T) {
	b := newTestBlock(1024)
	b.insert(0, 512)
	b.insert(512, 1024)

	b.remove(0)
	off, ok := b.findGap(256, 1)
	assert.True(t, ok)
	assert.Equal(t, vk.DeviceSize(0), off)
}

func TestMemoryBlockLiveOffsetsStaySorted(t *testing.T) {
	b := newTestBlock(1024)
	b.insert(500, 600)
	b.insert(0, 100)
	b.insert(200, 300)

	assert.Equal(t, []vk.DeviceSize{0, 200, 500}, b.liveOffsets)
}
