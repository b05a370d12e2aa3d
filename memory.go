package core

import (
	"math/bits"
	"sort"
	"sync"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

// defaultBlockSize is the minimum backing allocation size for a Block, per
// memory-type index.
const defaultBlockSize vk.DeviceSize = 256 << 20

// SubAllocation is a handle to a range within a Block.
type SubAllocation struct {
	block  *memoryBlock
	Offset vk.DeviceSize
	Size   vk.DeviceSize
}

// Memory returns the vk.DeviceMemory backing this sub-allocation.
func (s SubAllocation) Memory() vk.DeviceMemory { return s.block.memory }

// MemoryTypeIndex returns the memory-type index the backing block was
// allocated from.
func (s SubAllocation) MemoryTypeIndex() uint32 { return s.block.typeIndex }

// memoryBlock is one fixed-size vk.DeviceMemory allocation, sub-allocated
// first-fit.
type memoryBlock struct {
	memory    vk.DeviceMemory
	typeIndex uint32
	size      vk.DeviceSize
	// live maps offset -> end (exclusive), sorted by offset via liveOffsets.
	live        map[vk.DeviceSize]vk.DeviceSize
	liveOffsets []vk.DeviceSize
}

func (b *memoryBlock) insert(offset, end vk.DeviceSize) {
	b.live[offset] = end
	i := sort.Search(len(b.liveOffsets), func(i int) bool { return b.liveOffsets[i] >= offset })
	b.liveOffsets = append(b.liveOffsets, 0)
	copy(b.liveOffsets[i+1:], b.liveOffsets[i:])
	b.liveOffsets[i] = offset
}

func (b *memoryBlock) remove(offset vk.DeviceSize) {
	delete(b.live, offset)
	for i, o := range b.liveOffsets {
		if o == offset {
			b.liveOffsets = append(b.liveOffsets[:i], b.liveOffsets[i+1:]...)
			break
		}
	}
}

func alignUp(v, align vk.DeviceSize) vk.DeviceSize {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// findGap performs a first-fit scan of the block's free space, respecting
// alignment, and returns the offset of a gap large enough for size, or ok=false.
func (b *memoryBlock) findGap(size, align vk.DeviceSize) (vk.DeviceSize, bool) {
	cursor := vk.DeviceSize(0)
	for _, off := range b.liveOffsets {
		start := alignUp(cursor, align)
		if start+size <= off {
			return start, true
		}
		if end := b.live[off]; end > cursor {
			cursor = end
		}
	}
	start := alignUp(cursor, align)
	if start+size <= b.size {
		return start, true
	}
	return 0, false
}

// MemoryAllocator sub-allocates device memory blocks per memory-type index.
type MemoryAllocator struct {
	device     vk.Device
	physical   vk.PhysicalDevice
	memProps   vk.PhysicalDeviceMemoryProperties
	mu         sync.Mutex
	blocks     map[uint32][]*memoryBlock
	blockSize  vk.DeviceSize
}

// NewMemoryAllocator creates an allocator bound to the given logical and
// physical device.
func NewMemoryAllocator(device vk.Device, physical vk.PhysicalDevice) *MemoryAllocator {
	a := &MemoryAllocator{
		device:    device,
		physical:  physical,
		blocks:    make(map[uint32][]*memoryBlock),
		blockSize: defaultBlockSize,
	}
	a.memProps.Deref()
	vk.GetPhysicalDeviceMemoryProperties(physical, &a.memProps)
	a.memProps.Deref()
	return a
}

// findMemoryTypeIndex selects the memory type with (typeBits & (1<<i)) != 0
// and the smallest number of extra property flags beyond what was requested.
func (a *MemoryAllocator) findMemoryTypeIndex(typeBits uint32, required vk.MemoryPropertyFlags) (uint32, bool) {
	best := uint32(0)
	bestExtra := -1
	found := false
	count := int(a.memProps.MemoryTypeCount)
	for i := 0; i < count; i++ {
		if typeBits&(1<<uint(i)) == 0 {
			continue
		}
		a.memProps.MemoryTypes[i].Deref()
		flags := vk.MemoryPropertyFlags(a.memProps.MemoryTypes[i].PropertyFlags)
		if flags&required != required {
			continue
		}
		extra := bits.OnesCount32(uint32(flags &^ required))
		if !found || extra < bestExtra {
			found = true
			bestExtra = extra
			best = uint32(i)
		}
	}
	return best, found
}

// Allocate sub-allocates a range satisfying requirements and property
// flags, creating a new Block if no existing one has room.
func (a *MemoryAllocator) Allocate(requirements vk.MemoryRequirements, properties vk.MemoryPropertyFlags) (SubAllocation, error) {
	requirements.Deref()
	typeIndex, ok := a.findMemoryTypeIndex(requirements.MemoryTypeBits, properties)
	if !ok {
		return SubAllocation{}, errors.WithStack(&ErrOutOfDeviceMemory{Requested: requirements.Size, MemoryTypeBits: requirements.MemoryTypeBits})
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, b := range a.blocks[typeIndex] {
		if off, ok := b.findGap(requirements.Size, requirements.Alignment); ok {
			b.insert(off, off+requirements.Size)
			return SubAllocation{block: b, Offset: off, Size: requirements.Size}, nil
		}
	}

	size := a.blockSize
	if requirements.Size > size {
		size = requirements.Size
	}
	block, err := a.newBlock(typeIndex, size)
	if err != nil {
		return SubAllocation{}, err
	}
	a.blocks[typeIndex] = append(a.blocks[typeIndex], block)
	Logger().Debug("memory allocator: new block", "memoryType", typeIndex, "size", size, "blockCount", len(a.blocks[typeIndex]))

	off, ok := block.findGap(requirements.Size, requirements.Alignment)
	if !ok {
		// A fresh block sized to at least requirements.Size always fits
		// at offset 0, which is aligned for any alignment; this branch is
		// a defensive check only.
		return SubAllocation{}, errors.WithStack(&ErrOutOfDeviceMemory{Requested: requirements.Size, MemoryTypeBits: requirements.MemoryTypeBits})
	}
	block.insert(off, off+requirements.Size)
	return SubAllocation{block: block, Offset: off, Size: requirements.Size}, nil
}

func (a *MemoryAllocator) newBlock(typeIndex uint32, size vk.DeviceSize) (*memoryBlock, error) {
	info := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  size,
		MemoryTypeIndex: typeIndex,
	}
	var mem vk.DeviceMemory
	if err := checkResult("vkAllocateMemory", vk.AllocateMemory(a.device, &info, nil, &mem)); err != nil {
		return nil, err
	}
	return &memoryBlock{
		memory:    mem,
		typeIndex: typeIndex,
		size:      size,
		live:      make(map[vk.DeviceSize]vk.DeviceSize),
	}, nil
}

// Free returns a sub-allocation's range to its block. If the block becomes
// empty and more than one block exists for that memory type, the block
// itself is freed.
func (a *MemoryAllocator) Free(sub SubAllocation) {
	if sub.block == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	b := sub.block
	b.remove(sub.Offset)
	if len(b.live) > 0 {
		return
	}

	list := a.blocks[b.typeIndex]
	if len(list) <= 1 {
		return
	}
	for i, candidate := range list {
		if candidate == b {
			a.blocks[b.typeIndex] = append(list[:i], list[i+1:]...)
			vk.FreeMemory(a.device, b.memory, nil)
			Logger().Debug("memory allocator: freed block", "memoryType", b.typeIndex, "size", b.size, "remaining", len(a.blocks[b.typeIndex]))
			return
		}
	}
}

// Destroy frees every block owned by the allocator. Call once, after all
// resources using it have been destroyed.
func (a *MemoryAllocator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, list := range a.blocks {
		for _, b := range list {
			vk.FreeMemory(a.device, b.memory, nil)
		}
	}
	a.blocks = make(map[uint32][]*memoryBlock)
}
