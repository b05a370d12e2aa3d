package core

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

// BlendMode names one of the fixed color-blend attachment configurations
// a pipeline can assign per color attachment.
type BlendMode int

const (
	BlendOpaque BlendMode = iota
	BlendAdd
	BlendSubtract
	BlendAlpha
)

// State returns the vk.PipelineColorBlendAttachmentState for this mode.
func (m BlendMode) State(writeMask vk.ColorComponentFlags) vk.PipelineColorBlendAttachmentState {
	switch m {
	case BlendOpaque:
		return vk.PipelineColorBlendAttachmentState{
			BlendEnable:    vk.False,
			ColorWriteMask: writeMask,
		}
	case BlendAdd:
		return vk.PipelineColorBlendAttachmentState{
			BlendEnable:         vk.True,
			SrcColorBlendFactor: vk.BlendFactorSrcAlpha,
			DstColorBlendFactor: vk.BlendFactorOne,
			ColorBlendOp:        vk.BlendOpAdd,
			SrcAlphaBlendFactor: vk.BlendFactorOne,
			DstAlphaBlendFactor: vk.BlendFactorOne,
			AlphaBlendOp:        vk.BlendOpAdd,
			ColorWriteMask:      writeMask,
		}
	case BlendSubtract:
		return vk.PipelineColorBlendAttachmentState{
			BlendEnable:         vk.True,
			SrcColorBlendFactor: vk.BlendFactorSrcAlpha,
			DstColorBlendFactor: vk.BlendFactorOne,
			ColorBlendOp:        vk.BlendOpReverseSubtract,
			SrcAlphaBlendFactor: vk.BlendFactorOne,
			DstAlphaBlendFactor: vk.BlendFactorOne,
			AlphaBlendOp:        vk.BlendOpAdd,
			ColorWriteMask:      writeMask,
		}
	case BlendAlpha:
		return vk.PipelineColorBlendAttachmentState{
			BlendEnable:         vk.True,
			SrcColorBlendFactor: vk.BlendFactorSrcAlpha,
			DstColorBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
			ColorBlendOp:        vk.BlendOpAdd,
			SrcAlphaBlendFactor: vk.BlendFactorOne,
			DstAlphaBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
			AlphaBlendOp:        vk.BlendOpAdd,
			ColorWriteMask:      writeMask,
		}
	default:
		return vk.PipelineColorBlendAttachmentState{ColorWriteMask: writeMask}
	}
}

// VertexBinding describes one vertex buffer binding's stride/rate; the
// per-attribute locations/formats/offsets are derived from the vertex
// stage's reflected inputs matched by semantic name.
type VertexBinding struct {
	Binding   uint32
	Stride    uint32
	InputRate vk.VertexInputRate
	// Attributes maps a vertex-shader input's semantic name (e.g.
	// "POSITION", "TEXCOORD0") to its byte offset within this binding.
	Attributes map[string]uint32
}

// GraphicsPipelineDesc fully describes a graphics pipeline: its shader
// stages, vertex layout, fixed-function state, and target layout/pass.
type GraphicsPipelineDesc struct {
	Stages        []*Specialization
	Bindings      []VertexBinding
	Topology      vk.PrimitiveTopology
	PolygonMode   vk.PolygonMode
	CullMode      vk.CullModeFlags
	FrontFace     vk.FrontFace
	LineWidth     float32
	Samples       vk.SampleCountFlagBits
	DepthTest     bool
	DepthWrite    bool
	DepthCompare  vk.CompareOp
	BlendModes    []BlendMode // one per color attachment
	DynamicStates []vk.DynamicState
	Layout        *PipelineLayout
	RenderPass    vk.RenderPass
	Subpass       uint32
}

// ComputePipelineDesc fully describes a compute pipeline.
type ComputePipelineDesc struct {
	Stage  *Specialization
	Layout *PipelineLayout
}

// Pipeline wraps a created vk.Pipeline together with the content hash it
// was built from, for cache bookkeeping.
type Pipeline struct {
	device vk.Device
	handle vk.Pipeline
	hash   uint64
}

// Handle returns the underlying vk.Pipeline.
func (p *Pipeline) Handle() vk.Pipeline { return p.handle }

// Destroy destroys the pipeline.
func (p *Pipeline) Destroy() { vk.DestroyPipeline(p.device, p.handle, nil) }

// PipelineCache wraps a vk.PipelineCache plus an in-process map keyed by
// the content hash of each pipeline's description, so identical
// descriptions across the engine's lifetime reuse one vk.Pipeline.
type PipelineCache struct {
	device vk.Device
	handle vk.PipelineCache

	mu    sync.Mutex
	byKey map[uint64]*Pipeline
}

// NewPipelineCache creates a pipeline cache, optionally seeded from
// previously persisted data (see LoadPipelineCacheData / cache.go).
func NewPipelineCache(device vk.Device, initialData []byte) (*PipelineCache, error) {
	info := vk.PipelineCacheCreateInfo{
		SType: vk.StructureTypePipelineCacheCreateInfo,
	}
	if len(initialData) > 0 {
		info.InitialDataSize = uint(len(initialData))
		info.PInitialData = unsafe.Pointer(&initialData[0])
	}
	var handle vk.PipelineCache
	if err := checkResult("vkCreatePipelineCache", vk.CreatePipelineCache(device, &info, nil, &handle)); err != nil {
		return nil, err
	}
	return &PipelineCache{device: device, handle: handle, byKey: map[uint64]*Pipeline{}}, nil
}

// Handle returns the underlying vk.PipelineCache.
func (c *PipelineCache) Handle() vk.PipelineCache { return c.handle }

// Data retrieves the cache's serialized blob, for persistence to disk.
func (c *PipelineCache) Data() ([]byte, error) {
	var size uint
	if err := checkResult("vkGetPipelineCacheData", vk.GetPipelineCacheData(c.device, c.handle, &size, nil)); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	data := make([]byte, size)
	if err := checkResult("vkGetPipelineCacheData", vk.GetPipelineCacheData(c.device, c.handle, &size, unsafe.Pointer(&data[0]))); err != nil {
		return nil, err
	}
	return data[:size], nil
}

// Destroy destroys the pipeline cache. Constituent Pipelines are not
// owned by it and must be destroyed separately.
func (c *PipelineCache) Destroy() { vk.DestroyPipelineCache(c.device, c.handle, nil) }

func hashDesc(parts ...interface{}) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			h.Write([]byte(v))
		case uint32:
			writeU64(uint64(v))
		case uint64:
			writeU64(v)
		case int:
			writeU64(uint64(v))
		case float32:
			writeU64(uint64(math.Float32bits(v)))
		case bool:
			if v {
				writeU64(1)
			} else {
				writeU64(0)
			}
		}
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// resolveSpecConstant resolves one declared specialization constant to its
// effective value (an explicit override from s.Constants, falling back to
// the module's reflected default), normalized to a hashable/packable form:
// float64 for "float"/"double", uint64 otherwise.
func resolveSpecConstant(s *Specialization, sc SpecConstant) (interface{}, error) {
	val, ok := s.Constants[sc.Name]
	if !ok {
		val = sc.Default
	}
	switch sc.Type {
	case "float", "double":
		return toFloat64(val)
	default:
		n, err := toUint32(val)
		if err != nil {
			return nil, err
		}
		return uint64(n), nil
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	default:
		return 0, errors.WithStack(&ErrReflectionParse{Reason: "cannot resolve constant to a float"})
	}
}

// specializationHashParts appends the stage's module/entry point plus its
// resolved specialization-constant values (in the module's declaration
// order, each preceded by its ID) so two stages whose constants differ
// never collide on the same cache key.
func specializationHashParts(parts []interface{}, s *Specialization) ([]interface{}, error) {
	parts = append(parts, fmt.Sprint(s.Module.Handle()), s.Module.EntryPoint)
	for _, sc := range s.Module.SpecConsts {
		v, err := resolveSpecConstant(s, sc)
		if err != nil {
			return nil, err
		}
		parts = append(parts, sc.ID)
		switch val := v.(type) {
		case float64:
			// hashDesc has no float64 case; hash the IEEE-754 bit
			// pattern instead so distinct constant values never hash
			// identically.
			parts = append(parts, math.Float64bits(val))
		default:
			parts = append(parts, val)
		}
	}
	return parts, nil
}

// immutableSamplerHashParts appends every immutable sampler handle bound
// across layout's descriptor sets, in (set, binding) order.
func immutableSamplerHashParts(parts []interface{}, layout *PipelineLayout) []interface{} {
	for _, set := range layout.Sets {
		for _, b := range set.Bindings {
			for _, samp := range b.ImmutableSamplers {
				parts = append(parts, fmt.Sprint(samp))
			}
		}
	}
	return parts
}

func (d *GraphicsPipelineDesc) contentHash() (uint64, error) {
	parts := []interface{}{"graphics", uint32(d.Topology), uint32(d.PolygonMode), uint32(d.CullMode),
		uint32(d.FrontFace), d.LineWidth, uint32(d.Samples), d.DepthTest, d.DepthWrite, uint32(d.DepthCompare),
		fmt.Sprint(d.Layout.Handle()), fmt.Sprint(d.RenderPass), d.Subpass}
	for _, s := range d.Stages {
		var err error
		parts, err = specializationHashParts(parts, s)
		if err != nil {
			return 0, err
		}
	}
	parts = immutableSamplerHashParts(parts, d.Layout)
	for _, b := range d.Bindings {
		parts = append(parts, b.Binding, b.Stride, uint32(b.InputRate))
		for _, s := range d.Stages {
			if s.Module.Stage != StageVertex {
				continue
			}
			for _, in := range s.Module.Inputs {
				if offset, ok := b.Attributes[in.Name]; ok {
					parts = append(parts, in.Name, offset)
				}
			}
		}
	}
	for _, m := range d.BlendModes {
		parts = append(parts, uint32(m))
	}
	for _, ds := range d.DynamicStates {
		parts = append(parts, uint32(ds))
	}
	return hashDesc(parts...), nil
}

func (d *ComputePipelineDesc) contentHash() (uint64, error) {
	parts, err := specializationHashParts([]interface{}{"compute"}, d.Stage)
	if err != nil {
		return 0, err
	}
	parts = append(parts, fmt.Sprint(d.Layout.Handle()))
	parts = immutableSamplerHashParts(parts, d.Layout)
	return hashDesc(parts...), nil
}

// buildSpecializationInfo packs s's resolved specialization-constant values
// into a vk.SpecializationInfo for the stage create-info, or returns nil if
// the module declares no specialization constants.
func buildSpecializationInfo(s *Specialization) (*vk.SpecializationInfo, error) {
	consts := s.Module.SpecConsts
	if len(consts) == 0 {
		return nil, nil
	}

	entries := make([]vk.SpecializationMapEntry, 0, len(consts))
	var data []byte
	for _, sc := range consts {
		size := typeSizes[sc.Type]
		if size == 0 {
			size = 4
		}
		offset := uint32(len(data))

		switch sc.Type {
		case "float":
			v, err := resolveSpecConstant(s, sc)
			if err != nil {
				return nil, err
			}
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(float32(v.(float64))))
			data = append(data, buf[:]...)
		case "double":
			v, err := resolveSpecConstant(s, sc)
			if err != nil {
				return nil, err
			}
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v.(float64)))
			data = append(data, buf[:]...)
		default:
			v, err := resolveSpecConstant(s, sc)
			if err != nil {
				return nil, err
			}
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], uint32(v.(uint64)))
			data = append(data, buf[:]...)
		}

		entries = append(entries, vk.SpecializationMapEntry{
			ConstantID: sc.ID,
			Offset:     offset,
			Size:       uint(size),
		})
	}

	return &vk.SpecializationInfo{
		MapEntryCount: uint32(len(entries)),
		PMapEntries:   entries,
		DataSize:      uint(len(data)),
		PData:         unsafe.Pointer(&data[0]),
	}, nil
}

// GetOrCreateGraphics returns the cached pipeline for desc's content
// hash, creating and caching it on first use.
func (c *PipelineCache) GetOrCreateGraphics(desc GraphicsPipelineDesc) (*Pipeline, error) {
	key, err := desc.contentHash()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if p, ok := c.byKey[key]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	p, err := c.createGraphics(desc, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byKey[key]; ok {
		p.Destroy()
		return existing, nil
	}
	c.byKey[key] = p
	return p, nil
}

func (c *PipelineCache) createGraphics(desc GraphicsPipelineDesc, key uint64) (*Pipeline, error) {
	stages := make([]vk.PipelineShaderStageCreateInfo, len(desc.Stages))
	for i, s := range desc.Stages {
		specInfo, err := buildSpecializationInfo(s)
		if err != nil {
			return nil, err
		}
		stages[i] = vk.PipelineShaderStageCreateInfo{
			SType:               vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:               s.Module.Stage.VkStage(),
			Module:              s.Module.Handle(),
			PName:               s.Module.EntryPoint + "\x00",
			PSpecializationInfo: specInfo,
		}
	}

	var bindingDescs []vk.VertexInputBindingDescription
	var attrDescs []vk.VertexInputAttributeDescription
	for _, b := range desc.Bindings {
		bindingDescs = append(bindingDescs, vk.VertexInputBindingDescription{
			Binding: b.Binding, Stride: b.Stride, InputRate: b.InputRate,
		})
	}
	for _, stage := range desc.Stages {
		if stage.Module.Stage != StageVertex {
			continue
		}
		for _, in := range stage.Module.Inputs {
			for _, b := range desc.Bindings {
				offset, ok := b.Attributes[in.Name]
				if !ok {
					continue
				}
				attrDescs = append(attrDescs, vk.VertexInputAttributeDescription{
					Location: in.Location,
					Binding:  b.Binding,
					Format:   vertexFormatFor(in.Type),
					Offset:   offset,
				})
			}
		}
	}

	vertexInput := vk.PipelineVertexInputStateCreateInfo{
		SType:                           vk.StructureTypePipelineVertexInputStateCreateInfo,
		VertexBindingDescriptionCount:   uint32(len(bindingDescs)),
		VertexAttributeDescriptionCount: uint32(len(attrDescs)),
	}
	if len(bindingDescs) > 0 {
		vertexInput.PVertexBindingDescriptions = bindingDescs
	}
	if len(attrDescs) > 0 {
		vertexInput.PVertexAttributeDescriptions = attrDescs
	}

	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology: desc.Topology,
	}

	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}

	lineWidth := desc.LineWidth
	if lineWidth == 0 {
		lineWidth = 1
	}
	rasterization := vk.PipelineRasterizationStateCreateInfo{
		SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
		PolygonMode: desc.PolygonMode,
		CullMode:    vk.CullModeFlags(desc.CullMode),
		FrontFace:   desc.FrontFace,
		LineWidth:   lineWidth,
	}

	samples := desc.Samples
	if samples == 0 {
		samples = vk.SampleCount1Bit
	}
	multisample := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: samples,
	}

	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:            vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:  vkBool(desc.DepthTest),
		DepthWriteEnable: vkBool(desc.DepthWrite),
		DepthCompareOp:   desc.DepthCompare,
	}

	blendModes := desc.BlendModes
	if len(blendModes) == 0 {
		blendModes = []BlendMode{BlendOpaque}
	}
	attachments := make([]vk.PipelineColorBlendAttachmentState, len(blendModes))
	for i, m := range blendModes {
		attachments[i] = m.State(vk.ColorComponentFlags(
			vk.ColorComponentRBit | vk.ColorComponentGBit | vk.ColorComponentBBit | vk.ColorComponentABit))
	}
	colorBlend := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
	}

	dynStates := desc.DynamicStates
	if len(dynStates) == 0 {
		dynStates = []vk.DynamicState{vk.DynamicStateViewport, vk.DynamicStateScissor}
	}
	dynamicState := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynStates)),
		PDynamicStates:    dynStates,
	}

	info := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInput,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterization,
		PMultisampleState:   &multisample,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlend,
		PDynamicState:       &dynamicState,
		Layout:              desc.Layout.Handle(),
		RenderPass:          desc.RenderPass,
		Subpass:             desc.Subpass,
	}

	handles := make([]vk.Pipeline, 1)
	if err := checkResult("vkCreateGraphicsPipelines",
		vk.CreateGraphicsPipelines(c.device, c.handle, 1, []vk.GraphicsPipelineCreateInfo{info}, nil, handles)); err != nil {
		return nil, err
	}
	return &Pipeline{device: c.device, handle: handles[0], hash: key}, nil
}

// GetOrCreateCompute returns the cached compute pipeline for desc's
// content hash, creating and caching it on first use.
func (c *PipelineCache) GetOrCreateCompute(desc ComputePipelineDesc) (*Pipeline, error) {
	key, err := desc.contentHash()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if p, ok := c.byKey[key]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	specInfo, err := buildSpecializationInfo(desc.Stage)
	if err != nil {
		return nil, err
	}
	stage := vk.PipelineShaderStageCreateInfo{
		SType:               vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:               vk.ShaderStageComputeBit,
		Module:              desc.Stage.Module.Handle(),
		PName:               desc.Stage.Module.EntryPoint + "\x00",
		PSpecializationInfo: specInfo,
	}
	info := vk.ComputePipelineCreateInfo{
		SType:  vk.StructureTypeComputePipelineCreateInfo,
		Stage:  stage,
		Layout: desc.Layout.Handle(),
	}
	handles := make([]vk.Pipeline, 1)
	if err := checkResult("vkCreateComputePipelines",
		vk.CreateComputePipelines(c.device, c.handle, 1, []vk.ComputePipelineCreateInfo{info}, nil, handles)); err != nil {
		return nil, err
	}
	p := &Pipeline{device: c.device, handle: handles[0], hash: key}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byKey[key]; ok {
		p.Destroy()
		return existing, nil
	}
	c.byKey[key] = p
	return p, nil
}

func vkBool(b bool) vk.Bool32 {
	if b {
		return vk.True
	}
	return vk.False
}

// vertexFormatFor maps a manifest scalar/vector type name to the vk.Format
// used for a matching vertex input attribute.
func vertexFormatFor(typeName string) vk.Format {
	switch typeName {
	case "float":
		return vk.FormatR32Sfloat
	case "vec2":
		return vk.FormatR32g32Sfloat
	case "vec3":
		return vk.FormatR32g32b32Sfloat
	case "vec4":
		return vk.FormatR32g32b32a32Sfloat
	case "int":
		return vk.FormatR32Sint
	case "ivec2":
		return vk.FormatR32g32Sint
	case "ivec3":
		return vk.FormatR32g32b32Sint
	case "ivec4":
		return vk.FormatR32g32b32a32Sint
	case "uint":
		return vk.FormatR32Uint
	case "uvec2":
		return vk.FormatR32g32Uint
	case "uvec3":
		return vk.FormatR32g32b32Uint
	case "uvec4":
		return vk.FormatR32g32b32a32Uint
	default:
		return vk.FormatR32g32b32a32Sfloat
	}
}
