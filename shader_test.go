package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifySemantic(t *testing.T) {
	cases := []struct {
		in       string
		wantType AttributeType
		wantIdx  int
	}{
		{"POSITION", AttributePosition, 0},
		{"TEXCOORD2", AttributeTexcoord, 2},
		{"texcoord11", AttributeTexcoord, 11},
		{"NORMAL", AttributeNormal, 0},
		{"BLENDWEIGHT3", AttributeBlendWeight, 3},
		{"CUSTOM_THING", AttributeUnknown, 0},
		{"", AttributeUnknown, 0},
	}
	for _, c := range cases {
		typ, idx := ClassifySemantic(c.in)
		assert.Equalf(t, c.wantType, typ, "semantic %q", c.in)
		assert.Equalf(t, c.wantIdx, idx, "semantic %q", c.in)
	}
}

func TestManifestTypeSizeScalarsAndVectors(t *testing.T) {
	m := &manifest{}
	assert.Equal(t, uint32(4), m.TypeSize("float"))
	assert.Equal(t, uint32(12), m.TypeSize("vec3"))
	assert.Equal(t, uint32(64), m.TypeSize("mat4"))
	assert.Equal(t, uint32(0), m.TypeSize("nonexistent"))
}

func TestManifestTypeSizeStructFromMembers(t *testing.T) {
	m := &manifest{
		Types: map[string]struct {
			Members []struct {
				Name             string   `json:"name"`
				Offset           uint32   `json:"offset"`
				Type             string   `json:"type"`
				Array            []string `json:"array"`
				ArrayStride      uint32   `json:"array_stride"`
				ArraySizeLiteral []bool   `json:"array_size_is_literal"`
			} `json:"members"`
		}{
			"PushConstants": {
				Members: []struct {
					Name             string   `json:"name"`
					Offset           uint32   `json:"offset"`
					Type             string   `json:"type"`
					Array            []string `json:"array"`
					ArrayStride      uint32   `json:"array_stride"`
					ArraySizeLiteral []bool   `json:"array_size_is_literal"`
				}{
					{Name: "mvp", Offset: 0, Type: "mat4"},
					{Name: "tint", Offset: 64, Type: "vec4"},
				},
			},
		},
	}
	assert.Equal(t, uint32(80), m.TypeSize("PushConstants"))
}

func TestNewShaderModuleRejectsBadCodeSize(t *testing.T) {
	_, err := NewShaderModule(nil, []byte{1, 2, 3}, []byte(`{"entryPoints":[{"name":"main","mode":"vertex"}]}`))
	require.Error(t, err)
	var parseErr *ErrReflectionParse
	assert.ErrorAs(t, err, &parseErr)
}

func TestNewShaderModuleRejectsEmptyEntryPoints(t *testing.T) {
	_, err := NewShaderModule(nil, []byte{1, 2, 3, 4}, []byte(`{"entryPoints":[]}`))
	require.Error(t, err)
}

func TestSpecializationDescriptorCountLiteralDims(t *testing.T) {
	sm := &ShaderModule{}
	spec := &Specialization{Module: sm, Constants: map[string]interface{}{}}
	d := ReflectedDescriptor{Name: "textures", ArrayDims: []string{"4"}}
	n, err := spec.DescriptorCount(d)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), n)
}

func TestSpecializationDescriptorCountSpecConstantDim(t *testing.T) {
	sm := &ShaderModule{SpecConsts: []SpecConstant{{Name: "NUM_LIGHTS", Default: float64(8)}}}
	spec := &Specialization{Module: sm, Constants: map[string]interface{}{}}
	d := ReflectedDescriptor{Name: "lights", ArrayDims: []string{"NUM_LIGHTS"}}
	n, err := spec.DescriptorCount(d)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), n)
}

func TestSpecializationDescriptorCountOverrideWinsOverDefault(t *testing.T) {
	sm := &ShaderModule{SpecConsts: []SpecConstant{{Name: "NUM_LIGHTS", Default: float64(8)}}}
	spec := &Specialization{Module: sm, Constants: map[string]interface{}{"NUM_LIGHTS": float64(16)}}
	d := ReflectedDescriptor{Name: "lights", ArrayDims: []string{"NUM_LIGHTS"}}
	n, err := spec.DescriptorCount(d)
	require.NoError(t, err)
	assert.Equal(t, uint32(16), n)
}

func TestSpecializationDescriptorCountUnresolvedDimErrors(t *testing.T) {
	sm := &ShaderModule{}
	spec := &Specialization{Module: sm, Constants: map[string]interface{}{}}
	d := ReflectedDescriptor{Name: "mystery", ArrayDims: []string{"UNKNOWN_CONST"}}
	_, err := spec.DescriptorCount(d)
	assert.Error(t, err)
}
