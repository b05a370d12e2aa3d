package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	vk "github.com/vulkan-go/vulkan"
)

func TestHashDescDeterministic(t *testing.T) {
	a := hashDesc("graphics", uint32(1), "main", true)
	b := hashDesc("graphics", uint32(1), "main", true)
	assert.Equal(t, a, b)
}

func TestHashDescDistinguishesFieldOrderAndValue(t *testing.T) {
	a := hashDesc("a", "b")
	b := hashDesc("b", "a")
	assert.NotEqual(t, a, b)

	c := hashDesc(uint32(1), uint32(2))
	d := hashDesc(uint32(2), uint32(1))
	assert.NotEqual(t, c, d)
}

func testDesc(topology vk.PrimitiveTopology, entry string) GraphicsPipelineDesc {
	layout := &PipelineLayout{}
	module := &ShaderModule{Stage: StageVertex, EntryPoint: entry}
	return GraphicsPipelineDesc{
		Stages:   []*Specialization{{Module: module}},
		Topology: topology,
		Layout:   layout,
	}
}

func TestGraphicsPipelineDescContentHashStableForIdenticalDesc(t *testing.T) {
	d1 := testDesc(vk.PrimitiveTopologyTriangleList, "main")
	d2 := testDesc(vk.PrimitiveTopologyTriangleList, "main")
	h1, err := d1.contentHash()
	require.NoError(t, err)
	h2, err := d2.contentHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestGraphicsPipelineDescContentHashDiffersOnTopology(t *testing.T) {
	d1 := testDesc(vk.PrimitiveTopologyTriangleList, "main")
	d2 := testDesc(vk.PrimitiveTopologyLineList, "main")
	h1, err := d1.contentHash()
	require.NoError(t, err)
	h2, err := d2.contentHash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestGraphicsPipelineDescContentHashDiffersOnEntryPoint(t *testing.T) {
	d1 := testDesc(vk.PrimitiveTopologyTriangleList, "main")
	d2 := testDesc(vk.PrimitiveTopologyTriangleList, "vs_main")
	h1, err := d1.contentHash()
	require.NoError(t, err)
	h2, err := d2.contentHash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestGraphicsPipelineDescContentHashDiffersOnSpecializationConstant(t *testing.T) {
	module := &ShaderModule{Stage: StageVertex, EntryPoint: "main", SpecConsts: []SpecConstant{
		{ID: 0, Name: "TILE_SIZE", Type: "uint", Default: 8},
	}}
	layout := &PipelineLayout{}
	d1 := GraphicsPipelineDesc{
		Stages:   []*Specialization{{Module: module, Constants: map[string]interface{}{"TILE_SIZE": 8}}},
		Topology: vk.PrimitiveTopologyTriangleList,
		Layout:   layout,
	}
	d2 := GraphicsPipelineDesc{
		Stages:   []*Specialization{{Module: module, Constants: map[string]interface{}{"TILE_SIZE": 16}}},
		Topology: vk.PrimitiveTopologyTriangleList,
		Layout:   layout,
	}
	h1, err := d1.contentHash()
	require.NoError(t, err)
	h2, err := d2.contentHash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestGraphicsPipelineDescContentHashDiffersOnImmutableSampler(t *testing.T) {
	module := &ShaderModule{Stage: StageVertex, EntryPoint: "main"}
	d1 := testDesc(vk.PrimitiveTopologyTriangleList, "main")
	d1.Stages = []*Specialization{{Module: module}}
	d1.Layout = &PipelineLayout{Sets: []*DescriptorSetLayout{
		{Bindings: []DescriptorBinding{{Binding: 0, ImmutableSamplers: []vk.Sampler{1}}}},
	}}
	d2 := testDesc(vk.PrimitiveTopologyTriangleList, "main")
	d2.Stages = []*Specialization{{Module: module}}
	d2.Layout = &PipelineLayout{Sets: []*DescriptorSetLayout{
		{Bindings: []DescriptorBinding{{Binding: 0, ImmutableSamplers: []vk.Sampler{2}}}},
	}}
	h1, err := d1.contentHash()
	require.NoError(t, err)
	h2, err := d2.contentHash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestComputePipelineDescContentHashDiffersOnEntryPoint(t *testing.T) {
	layout := &PipelineLayout{}
	d1 := ComputePipelineDesc{Stage: &Specialization{Module: &ShaderModule{EntryPoint: "main"}}, Layout: layout}
	d2 := ComputePipelineDesc{Stage: &Specialization{Module: &ShaderModule{EntryPoint: "other"}}, Layout: layout}
	h1, err := d1.contentHash()
	require.NoError(t, err)
	h2, err := d2.contentHash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestBlendModeOpaqueDisablesBlending(t *testing.T) {
	state := BlendOpaque.State(vk.ColorComponentFlags(vk.ColorComponentRBit))
	assert.Equal(t, vk.Bool32(vk.False), state.BlendEnable)
}

func TestBlendModeAlphaEnablesBlending(t *testing.T) {
	state := BlendAlpha.State(vk.ColorComponentFlags(vk.ColorComponentRBit))
	assert.Equal(t, vk.Bool32(vk.True), state.BlendEnable)
	assert.Equal(t, vk.BlendFactorOneMinusSrcAlpha, state.DstColorBlendFactor)
}

func TestVertexFormatForKnownAndUnknownTypes(t *testing.T) {
	assert.Equal(t, vk.FormatR32g32b32Sfloat, vertexFormatFor("vec3"))
	assert.Equal(t, vk.FormatR32Uint, vertexFormatFor("uint"))
	assert.Equal(t, vk.FormatR32g32b32a32Sfloat, vertexFormatFor("mat4"))
}
