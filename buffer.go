package core

import (
	"unsafe"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

// Buffer owns a Vulkan buffer handle and the memory allocation backing it.
type Buffer struct {
	device    vk.Device
	allocator *MemoryAllocator

	handle  vk.Buffer
	alloc   SubAllocation
	size    vk.DeviceSize
	usage   vk.BufferUsageFlags
	sharing vk.SharingMode

	// releaser, when non-nil, returns this buffer to the Device pool it
	// was acquired from instead of letting reap drop its last reference.
	releaser func()

	tracking
}

// Handle returns the underlying vk.Buffer.
func (b *Buffer) Handle() vk.Buffer { return b.handle }

// release returns the buffer to its owning pool if it was acquired from
// one; otherwise it is a no-op, leaving disposal to the caller.
func (b *Buffer) release() {
	if b.releaser != nil {
		b.releaser()
	}
}

// Size returns the buffer's byte size.
func (b *Buffer) Size() vk.DeviceSize { return b.size }

// NewBuffer creates a buffer of size bytes with the given usage, backed by
// memory satisfying properties.
func NewBuffer(device vk.Device, allocator *MemoryAllocator, size vk.DeviceSize, usage vk.BufferUsageFlags, properties vk.MemoryPropertyFlags) (*Buffer, error) {
	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        size,
		Usage:       usage,
		SharingMode: vk.SharingModeExclusive,
	}
	var handle vk.Buffer
	if err := checkResult("vkCreateBuffer", vk.CreateBuffer(device, &info, nil, &handle)); err != nil {
		return nil, err
	}

	var requirements vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(device, handle, &requirements)
	requirements.Deref()

	alloc, err := allocator.Allocate(requirements, properties)
	if err != nil {
		vk.DestroyBuffer(device, handle, nil)
		return nil, err
	}

	if err := checkResult("vkBindBufferMemory", vk.BindBufferMemory(device, handle, alloc.Memory(), alloc.Offset)); err != nil {
		allocator.Free(alloc)
		vk.DestroyBuffer(device, handle, nil)
		return nil, err
	}

	return &Buffer{
		device:    device,
		allocator: allocator,
		handle:    handle,
		alloc:     alloc,
		size:      size,
		usage:     usage,
		sharing:   vk.SharingModeExclusive,
	}, nil
}

// Destroy destroys the buffer and frees its backing memory. The caller
// must ensure no command buffer still tracks it (see tracking.InUse).
func (b *Buffer) Destroy() {
	vk.DestroyBuffer(b.device, b.handle, nil)
	b.allocator.Free(b.alloc)
}

// Upload maps the buffer's memory, copies data at the given offset, and
// unmaps. The buffer must have been allocated with host-visible memory.
func (b *Buffer) Upload(offset vk.DeviceSize, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var mapped unsafe.Pointer
	if err := checkResult("vkMapMemory", vk.MapMemory(b.device, b.alloc.Memory(), b.alloc.Offset+offset, vk.DeviceSize(len(data)), 0, &mapped)); err != nil {
		return err
	}
	defer vk.UnmapMemory(b.device, b.alloc.Memory())

	dst := (*[1 << 30]byte)(mapped)[:len(data):len(data)]
	copy(dst, data)
	return nil
}

// BufferView is a strided/typed view into a Buffer: {buffer ref, offset,
// stride, element count}. Equality and hashing are structural; a View
// holds a strong reference to its buffer.
type BufferView struct {
	Buffer      *Buffer
	Offset      vk.DeviceSize
	Stride      vk.DeviceSize
	ElementSize vk.DeviceSize
	Count       uint32
}

// SizeBytes returns the total byte extent of the view.
func (v BufferView) SizeBytes() vk.DeviceSize {
	if v.Count == 0 {
		return 0
	}
	return vk.DeviceSize(v.Count) * v.ElementSize
}

func errUnsupportedUsage(have, need vk.ImageUsageFlags) error {
	return errors.WithStack(&ErrUnsupportedUsage{Have: have, Need: need})
}
