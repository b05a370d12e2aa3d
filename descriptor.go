package core

import (
	"sort"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

// DescriptorBinding is one merged binding slot of a DescriptorSetLayout.
type DescriptorBinding struct {
	Binding           uint32
	Name              string
	Type              vk.DescriptorType
	Count             uint32
	StageFlags        vk.ShaderStageFlags
	ImmutableSamplers []vk.Sampler
}

// DescriptorSetLayout wraps a vk.DescriptorSetLayout built by merging the
// reflected bindings of every shader stage that references a given set
// number. Two stages referencing the same (set, binding) must agree on
// descriptor type and array count; their stage flags are OR'd together.
type DescriptorSetLayout struct {
	device   vk.Device
	handle   vk.DescriptorSetLayout
	Set      uint32
	Bindings []DescriptorBinding
}

// Handle returns the underlying vk.DescriptorSetLayout.
func (l *DescriptorSetLayout) Handle() vk.DescriptorSetLayout { return l.handle }

// Destroy destroys the descriptor set layout.
func (l *DescriptorSetLayout) Destroy() {
	vk.DestroyDescriptorSetLayout(l.device, l.handle, nil)
}

// MergeDescriptorSetLayout scans every stage's reflected descriptors for
// bindings belonging to set, merges them across stages, and creates the
// resulting vk.DescriptorSetLayout.
func MergeDescriptorSetLayout(device vk.Device, set uint32, stages []*Specialization) (*DescriptorSetLayout, error) {
	merged := map[uint32]*DescriptorBinding{}

	for _, spec := range stages {
		stageFlag := vk.ShaderStageFlags(spec.Module.Stage.VkStage())
		for _, d := range spec.Module.Descriptors {
			if d.Set != set {
				continue
			}
			count, err := spec.DescriptorCount(d)
			if err != nil {
				return nil, err
			}
			vkType := d.Kind.VkType()

			if existing, ok := merged[d.Binding]; ok {
				if existing.Type != vkType {
					return nil, errors.WithStack(&ErrLayoutMismatch{Name: d.Name, Reason: "descriptor type differs across stages"})
				}
				if existing.Count != count {
					return nil, errors.WithStack(&ErrLayoutMismatch{Name: d.Name, Reason: "array count differs across stages"})
				}
				existing.StageFlags |= stageFlag
				continue
			}
			merged[d.Binding] = &DescriptorBinding{
				Binding: d.Binding, Name: d.Name, Type: vkType,
				Count: count, StageFlags: stageFlag,
			}
		}
	}

	bindingNums := make([]uint32, 0, len(merged))
	for b := range merged {
		bindingNums = append(bindingNums, b)
	}
	sort.Slice(bindingNums, func(i, j int) bool { return bindingNums[i] < bindingNums[j] })

	bindings := make([]DescriptorBinding, 0, len(bindingNums))
	vkBindings := make([]vk.DescriptorSetLayoutBinding, 0, len(bindingNums))
	for _, b := range bindingNums {
		db := merged[b]
		bindings = append(bindings, *db)
		vb := vk.DescriptorSetLayoutBinding{
			Binding:         db.Binding,
			DescriptorType:  db.Type,
			DescriptorCount: db.Count,
			StageFlags:      db.StageFlags,
		}
		if len(db.ImmutableSamplers) > 0 {
			vb.PImmutableSamplers = db.ImmutableSamplers
		}
		vkBindings = append(vkBindings, vb)
	}

	info := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(vkBindings)),
	}
	if len(vkBindings) > 0 {
		info.PBindings = vkBindings
	}

	var handle vk.DescriptorSetLayout
	if err := checkResult("vkCreateDescriptorSetLayout", vk.CreateDescriptorSetLayout(device, &info, nil, &handle)); err != nil {
		return nil, err
	}

	return &DescriptorSetLayout{device: device, handle: handle, Set: set, Bindings: bindings}, nil
}

// PushConstantRange is a merged, named-checked push-constant range.
type PushConstantRange struct {
	StageFlags vk.ShaderStageFlags
	Offset     uint32
	Size       uint32
}

// PipelineLayout wraps a vk.PipelineLayout derived from a set of merged
// DescriptorSetLayouts and the union of every stage's push constants.
type PipelineLayout struct {
	device  vk.Device
	handle  vk.PipelineLayout
	Sets    []*DescriptorSetLayout
	Pushes  []PushConstantRange
}

// Handle returns the underlying vk.PipelineLayout.
func (p *PipelineLayout) Handle() vk.PipelineLayout { return p.handle }

// Destroy destroys the pipeline layout. The caller remains responsible
// for destroying the constituent DescriptorSetLayouts.
func (p *PipelineLayout) Destroy() { vk.DestroyPipelineLayout(p.device, p.handle, nil) }

// NewPipelineLayout merges push constants by member name across stages
// (requiring identical offset/size) and creates the pipeline layout from
// sets, which must already be ordered by set number.
func NewPipelineLayout(device vk.Device, sets []*DescriptorSetLayout, stages []*Specialization) (*PipelineLayout, error) {
	type namedRange struct {
		offset, size uint32
		stages       vk.ShaderStageFlags
	}
	byName := map[string]*namedRange{}
	var order []string

	for _, spec := range stages {
		stageFlag := vk.ShaderStageFlags(spec.Module.Stage.VkStage())
		var offset uint32
		for _, pc := range spec.Module.PushConsts {
			size := pc.TypeSize
			for _, dim := range pc.ArrayDims {
				n, err := spec.resolveArrayDim(dim)
				if err != nil {
					return nil, err
				}
				size *= n
			}
			if pc.Offset != 0 {
				offset = pc.Offset
			}
			if existing, ok := byName[pc.Name]; ok {
				if existing.offset != offset || existing.size != size {
					return nil, errors.WithStack(&ErrLayoutMismatch{Name: pc.Name, Reason: "push constant offset/size differs across stages"})
				}
				existing.stages |= stageFlag
			} else {
				byName[pc.Name] = &namedRange{offset: offset, size: size, stages: stageFlag}
				order = append(order, pc.Name)
			}
			offset += size
		}
	}

	pushes := make([]PushConstantRange, 0, len(order))
	vkPushes := make([]vk.PushConstantRange, 0, len(order))
	for _, name := range order {
		r := byName[name]
		pushes = append(pushes, PushConstantRange{StageFlags: r.stages, Offset: r.offset, Size: r.size})
		vkPushes = append(vkPushes, vk.PushConstantRange{StageFlags: r.stages, Offset: r.offset, Size: r.size})
	}

	vkSets := make([]vk.DescriptorSetLayout, len(sets))
	for i, s := range sets {
		vkSets[i] = s.handle
	}

	info := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(vkSets)),
	}
	if len(vkSets) > 0 {
		info.PSetLayouts = vkSets
	}
	if len(vkPushes) > 0 {
		info.PushConstantRangeCount = uint32(len(vkPushes))
		info.PPushConstantRanges = vkPushes
	}

	var handle vk.PipelineLayout
	if err := checkResult("vkCreatePipelineLayout", vk.CreatePipelineLayout(device, &info, nil, &handle)); err != nil {
		return nil, err
	}

	return &PipelineLayout{device: device, handle: handle, Sets: sets, Pushes: pushes}, nil
}

// descriptorEntryKind distinguishes the tagged union held by a pending
// DescriptorSet write.
type descriptorEntryKind int

const (
	entryBuffer descriptorEntryKind = iota
	entryImage
	entryTexelBufferView
)

// descriptorWrite is one pending binding update, keyed by (binding,
// arrayIndex) until flushed.
type descriptorWrite struct {
	kind   descriptorEntryKind
	typ    vk.DescriptorType
	buffer BufferView
	image  struct {
		sampler vk.Sampler
		view    vk.ImageView
		layout  vk.ImageLayout
	}
	texelView vk.BufferView
}

func descriptorWriteKey(binding, arrayIndex uint32) uint64 {
	return uint64(binding)<<32 | uint64(arrayIndex)
}

// DescriptorSet wraps a vk.DescriptorSet allocated from a pool, batching
// binding updates until FlushWrites is called.
type DescriptorSet struct {
	device vk.Device
	handle vk.DescriptorSet
	layout *DescriptorSetLayout

	pending map[uint64]descriptorWrite
	bound   map[uint64]descriptorWrite

	// releaser, when non-nil, returns this set to the Device pool it was
	// acquired from instead of letting reap drop its last reference.
	releaser func()

	tracking
}

// Handle returns the underlying vk.DescriptorSet.
func (s *DescriptorSet) Handle() vk.DescriptorSet { return s.handle }

// release returns the descriptor set to its owning pool if it was
// acquired from one; otherwise it is a no-op, leaving disposal to the
// caller.
func (s *DescriptorSet) release() {
	if s.releaser != nil {
		s.releaser()
	}
}

// DescriptorPool wraps a vk.DescriptorPool used to allocate DescriptorSets.
type DescriptorPool struct {
	device vk.Device
	handle vk.DescriptorPool
}

// NewDescriptorPool creates a pool sized for maxSets sets across the given
// per-type descriptor counts.
func NewDescriptorPool(device vk.Device, maxSets uint32, sizes map[vk.DescriptorType]uint32) (*DescriptorPool, error) {
	poolSizes := make([]vk.DescriptorPoolSize, 0, len(sizes))
	for t, count := range sizes {
		poolSizes = append(poolSizes, vk.DescriptorPoolSize{Type: t, DescriptorCount: count})
	}
	info := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       maxSets,
		PoolSizeCount: uint32(len(poolSizes)),
	}
	if len(poolSizes) > 0 {
		info.PPoolSizes = poolSizes
	}
	var handle vk.DescriptorPool
	if err := checkResult("vkCreateDescriptorPool", vk.CreateDescriptorPool(device, &info, nil, &handle)); err != nil {
		return nil, err
	}
	return &DescriptorPool{device: device, handle: handle}, nil
}

// Handle returns the underlying vk.DescriptorPool.
func (p *DescriptorPool) Handle() vk.DescriptorPool { return p.handle }

// Destroy destroys the pool and implicitly frees every set allocated from it.
func (p *DescriptorPool) Destroy() { vk.DestroyDescriptorPool(p.device, p.handle, nil) }

// AllocateDescriptorSet allocates one set of the given layout from the pool.
func AllocateDescriptorSet(device vk.Device, pool *DescriptorPool, layout *DescriptorSetLayout) (*DescriptorSet, error) {
	vkLayouts := []vk.DescriptorSetLayout{layout.handle}
	info := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     pool.handle,
		DescriptorSetCount: 1,
		PSetLayouts:        vkLayouts,
	}
	handles := make([]vk.DescriptorSet, 1)
	if err := checkResult("vkAllocateDescriptorSets", vk.AllocateDescriptorSets(device, &info, &handles[0])); err != nil {
		return nil, err
	}
	return &DescriptorSet{
		device: device, handle: handles[0], layout: layout,
		pending: map[uint64]descriptorWrite{},
		bound:   map[uint64]descriptorWrite{},
	}, nil
}

// stagePending records w under key unless it is identical to the entry
// already applied to the set, so re-inserting an unchanged binding between
// flushes is a no-op instead of forcing a redundant vkUpdateDescriptorSets
// write.
func (s *DescriptorSet) stagePending(key uint64, w descriptorWrite) {
	if existing, ok := s.bound[key]; ok && existing == w {
		delete(s.pending, key)
		return
	}
	s.pending[key] = w
}

// WriteBuffer stages a uniform/storage buffer binding for the given
// binding/array index, to be applied on the next FlushWrites.
func (s *DescriptorSet) WriteBuffer(binding, arrayIndex uint32, typ vk.DescriptorType, view BufferView) {
	s.stagePending(descriptorWriteKey(binding, arrayIndex), descriptorWrite{kind: entryBuffer, typ: typ, buffer: view})
}

// WriteImage stages a combined-image-sampler / sampled-image / storage-image
// binding for the given binding/array index.
func (s *DescriptorSet) WriteImage(binding, arrayIndex uint32, typ vk.DescriptorType, sampler vk.Sampler, view vk.ImageView, layout vk.ImageLayout) {
	w := descriptorWrite{kind: entryImage, typ: typ}
	w.image.sampler = sampler
	w.image.view = view
	w.image.layout = layout
	s.stagePending(descriptorWriteKey(binding, arrayIndex), w)
}

// WriteTexelBufferView stages a uniform/storage texel-buffer-view binding.
func (s *DescriptorSet) WriteTexelBufferView(binding, arrayIndex uint32, typ vk.DescriptorType, view vk.BufferView) {
	s.stagePending(descriptorWriteKey(binding, arrayIndex), descriptorWrite{kind: entryTexelBufferView, typ: typ, texelView: view})
}

// FlushWrites applies every pending binding update via a single batched
// vkUpdateDescriptorSets call, then clears the pending set.
func (s *DescriptorSet) FlushWrites() {
	if len(s.pending) == 0 {
		return
	}

	keys := make([]uint64, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	writes := make([]vk.WriteDescriptorSet, 0, len(keys))
	// keep backing arrays alive until after vkUpdateDescriptorSets
	bufferInfos := make([][]vk.DescriptorBufferInfo, 0, len(keys))
	imageInfos := make([][]vk.DescriptorImageInfo, 0, len(keys))
	texelViews := make([][]vk.BufferView, 0, len(keys))

	for _, k := range keys {
		w := s.pending[k]
		binding := uint32(k >> 32)
		arrayIndex := uint32(k)

		write := vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          s.handle,
			DstBinding:      binding,
			DstArrayElement: arrayIndex,
			DescriptorType:  w.typ,
			DescriptorCount: 1,
		}

		switch w.kind {
		case entryBuffer:
			infos := []vk.DescriptorBufferInfo{{
				Buffer: w.buffer.Buffer.Handle(),
				Offset: w.buffer.Offset,
				Range:  w.buffer.SizeBytes(),
			}}
			bufferInfos = append(bufferInfos, infos)
			write.PBufferInfo = infos
		case entryImage:
			infos := []vk.DescriptorImageInfo{{
				Sampler:     w.image.sampler,
				ImageView:   w.image.view,
				ImageLayout: w.image.layout,
			}}
			imageInfos = append(imageInfos, infos)
			write.PImageInfo = infos
		case entryTexelBufferView:
			views := []vk.BufferView{w.texelView}
			texelViews = append(texelViews, views)
			write.PTexelBufferView = views
		}

		writes = append(writes, write)
		s.bound[k] = w
	}

	vk.UpdateDescriptorSets(s.device, uint32(len(writes)), writes, 0, nil)
	s.pending = map[uint64]descriptorWrite{}
}
