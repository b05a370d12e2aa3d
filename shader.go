package core

import (
	"encoding/json"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

// AttributeType classifies a vertex stage input by its semantic name.
type AttributeType int

const (
	AttributeUnknown AttributeType = iota
	AttributePosition
	AttributeNormal
	AttributeTangent
	AttributeBinormal
	AttributeColor
	AttributeTexcoord
	AttributePointSize
	AttributeBlendIndex
	AttributeBlendWeight
)

var semanticTypes = map[string]AttributeType{
	"position":    AttributePosition,
	"normal":      AttributeNormal,
	"tangent":     AttributeTangent,
	"binormal":    AttributeBinormal,
	"color":       AttributeColor,
	"texcoord":    AttributeTexcoord,
	"pointsize":   AttributePointSize,
	"blendindex":  AttributeBlendIndex,
	"blendweight": AttributeBlendWeight,
}

var semanticSuffix = regexp.MustCompile(`^([A-Za-z]+?)(\d*)$`)

// ClassifySemantic splits a semantic name like "TEXCOORD2" into its
// AttributeType and numeric index. Names that don't match a known
// attribute return (AttributeUnknown, 0); the caller should still keep
// the binding by name.
func ClassifySemantic(semantic string) (AttributeType, int) {
	m := semanticSuffix.FindStringSubmatch(semantic)
	if m == nil {
		return AttributeUnknown, 0
	}
	t, ok := semanticTypes[strings.ToLower(m[1])]
	if !ok {
		return AttributeUnknown, 0
	}
	idx := 0
	if m[2] != "" {
		if n, err := strconv.Atoi(m[2]); err == nil {
			idx = n
		}
	}
	return t, idx
}

// ShaderStageKind names the execution mode of an entry point (vertex,
// fragment, compute, ...), matching the manifest's "mode" field.
type ShaderStageKind string

const (
	StageVertex   ShaderStageKind = "vertex"
	StageFragment ShaderStageKind = "fragment"
	StageCompute  ShaderStageKind = "compute"
)

func (k ShaderStageKind) VkStage() vk.ShaderStageFlagBits {
	switch k {
	case StageVertex:
		return vk.ShaderStageVertexBit
	case StageFragment:
		return vk.ShaderStageFragmentBit
	case StageCompute:
		return vk.ShaderStageComputeBit
	default:
		return 0
	}
}

// manifest mirrors the on-disk JSON schema documented in SPEC_FULL.md §6.
type manifest struct {
	EntryPoints []struct {
		Name          string `json:"name"`
		Mode          string `json:"mode"`
		WorkgroupSize [3]int `json:"workgroup_size"`
	} `json:"entryPoints"`
	SpecializationConstants []struct {
		ID           uint32      `json:"id"`
		Name         string      `json:"name"`
		Type         string      `json:"type"`
		DefaultValue interface{} `json:"default_value"`
	} `json:"specialization_constants"`
	Types map[string]struct {
		Members []struct {
			Name             string   `json:"name"`
			Offset           uint32   `json:"offset"`
			Type             string   `json:"type"`
			Array            []string `json:"array"`
			ArrayStride      uint32   `json:"array_stride"`
			ArraySizeLiteral []bool   `json:"array_size_is_literal"`
		} `json:"members"`
	} `json:"types"`
	Inputs []struct {
		Name     string `json:"name"`
		Location uint32 `json:"location"`
		Type     string `json:"type"`
	} `json:"inputs"`
	Outputs []struct {
		Name     string `json:"name"`
		Location uint32 `json:"location"`
		Type     string `json:"type"`
	} `json:"outputs"`
	PushConstants []struct {
		Type string `json:"type"`
	} `json:"push_constants"`
	UBOs              []descriptorEntry `json:"ubos"`
	SSBOs             []descriptorEntry `json:"ssbos"`
	Textures          []descriptorEntry `json:"textures"`
	Images            []descriptorEntry `json:"images"`
	SeparateImages    []descriptorEntry `json:"separate_images"`
	SeparateSamplers  []descriptorEntry `json:"separate_samplers"`
	SubpassInputs     []descriptorEntry `json:"subpass_inputs"`
	AccelStructures   []descriptorEntry `json:"acceleration_structures"`
}

type descriptorEntry struct {
	Name                string   `json:"name"`
	Set                 uint32   `json:"set"`
	Binding             uint32   `json:"binding"`
	Type                string   `json:"type"`
	Array               []string `json:"array"`
	InputAttachmentIndex uint32  `json:"input_attachment_index"`
}

// typeSizes is the scalar/vector/matrix byte-size table from §6.
var typeSizes = map[string]uint32{
	"bool": 4, "int": 4, "uint": 4, "float": 4, "double": 8,
	"vec2": 8, "vec3": 12, "vec4": 16,
	"ivec2": 8, "ivec3": 12, "ivec4": 16,
	"uvec2": 8, "uvec3": 12, "uvec4": 16,
	"dvec2": 16, "dvec3": 24, "dvec4": 32,
	"mat2": 16, "mat3": 36, "mat4": 64,
}

// TypeSize resolves a manifest type name to its byte size, falling back
// to the max member offset plus member size for a named struct type.
func (m *manifest) TypeSize(name string) uint32 {
	if sz, ok := typeSizes[name]; ok {
		return sz
	}
	t, ok := m.Types[name]
	if !ok {
		return 0
	}
	var max uint32
	for _, mem := range t.Members {
		sz := mem.ArrayStride
		if sz == 0 {
			sz = m.TypeSize(mem.Type)
		}
		if end := mem.Offset + sz; end > max {
			max = end
		}
	}
	return max
}

// StageVariable describes one stage input or output, with
// semantic-driven attribute classification.
type StageVariable struct {
	Name          string
	Location      uint32
	Type          string
	Size          uint32
	AttributeType AttributeType
	AttributeIdx  int
}

// DescriptorKind enumerates the manifest descriptor groups.
type DescriptorKind int

const (
	KindUniformBuffer DescriptorKind = iota
	KindStorageBuffer
	KindCombinedImageSampler
	KindStorageImage
	KindSampledImage
	KindSampler
	KindInputAttachment
)

func (k DescriptorKind) VkType() vk.DescriptorType {
	switch k {
	case KindUniformBuffer:
		return vk.DescriptorTypeUniformBuffer
	case KindStorageBuffer:
		return vk.DescriptorTypeStorageBuffer
	case KindCombinedImageSampler:
		return vk.DescriptorTypeCombinedImageSampler
	case KindStorageImage:
		return vk.DescriptorTypeStorageImage
	case KindSampledImage:
		return vk.DescriptorTypeSampledImage
	case KindSampler:
		return vk.DescriptorTypeSampler
	case KindInputAttachment:
		return vk.DescriptorTypeInputAttachment
	default:
		return 0
	}
}

// ReflectedDescriptor is one descriptor binding discovered by reflection.
type ReflectedDescriptor struct {
	Name                 string
	Set, Binding         uint32
	Kind                 DescriptorKind
	ArrayDims            []string // literal u32 strings, or a spec-constant name
	InputAttachmentIndex uint32
}

// SpecConstant is one specialization constant declared by a module.
type SpecConstant struct {
	ID      uint32
	Name    string
	Type    string
	Default interface{}
}

// PushConstantMember is one member of the module's push-constant block.
type PushConstantMember struct {
	Name        string
	Offset      uint32
	TypeSize    uint32
	ArrayStride uint32
	ArrayDims   []string
}

// ShaderModule parses a SPIR-V binary + reflection manifest into entry
// point, stage, descriptor bindings, push-constant ranges, stage
// inputs/outputs, workgroup size, and specialization constants.
type ShaderModule struct {
	device vk.Device
	handle vk.ShaderModule

	EntryPoint    string
	Stage         ShaderStageKind
	WorkgroupSize [3]int

	Inputs      []StageVariable
	Outputs     []StageVariable
	Descriptors []ReflectedDescriptor
	SpecConsts  []SpecConstant
	PushConsts  []PushConstantMember
}

// LoadShaderModule reads the SPIR-V binary at spvPath and its JSON sidecar
// manifest at manifestPath and builds a ShaderModule.
func LoadShaderModule(device vk.Device, spvPath, manifestPath string) (*ShaderModule, error) {
	code, err := os.ReadFile(spvPath)
	if err != nil {
		return nil, errors.WithStack(&ErrFileIO{Path: spvPath, Err: err})
	}
	manifestBytes, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, errors.WithStack(&ErrFileIO{Path: manifestPath, Err: err})
	}
	return NewShaderModule(device, code, manifestBytes)
}

// NewShaderModule builds a ShaderModule from SPIR-V bytes and a raw JSON
// manifest, per the schema in SPEC_FULL.md §6.
func NewShaderModule(device vk.Device, code, manifestJSON []byte) (*ShaderModule, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return nil, errors.WithStack(&ErrReflectionParse{Reason: "SPIR-V code size must be a non-zero multiple of 4"})
	}

	var m manifest
	if err := json.Unmarshal(manifestJSON, &m); err != nil {
		return nil, errors.WithStack(&ErrReflectionParse{Reason: err.Error()})
	}
	if len(m.EntryPoints) == 0 {
		return nil, errors.WithStack(&ErrReflectionParse{Reason: "manifest has no entryPoints"})
	}
	ep := m.EntryPoints[0]

	info := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code)),
		PCode:    (*uint32)(unsafe.Pointer(&code[0])),
	}
	var handle vk.ShaderModule
	if err := checkResult("vkCreateShaderModule", vk.CreateShaderModule(device, &info, nil, &handle)); err != nil {
		return nil, err
	}

	sm := &ShaderModule{
		device:        device,
		handle:        handle,
		EntryPoint:    ep.Name,
		Stage:         ShaderStageKind(ep.Mode),
		WorkgroupSize: ep.WorkgroupSize,
	}

	for _, in := range m.Inputs {
		t, idx := ClassifySemantic(in.Name)
		sm.Inputs = append(sm.Inputs, StageVariable{Name: in.Name, Location: in.Location, Type: in.Type, Size: m.TypeSize(in.Type), AttributeType: t, AttributeIdx: idx})
	}
	for _, out := range m.Outputs {
		t, idx := ClassifySemantic(out.Name)
		sm.Outputs = append(sm.Outputs, StageVariable{Name: out.Name, Location: out.Location, Type: out.Type, Size: m.TypeSize(out.Type), AttributeType: t, AttributeIdx: idx})
	}
	for _, sc := range m.SpecializationConstants {
		sm.SpecConsts = append(sm.SpecConsts, SpecConstant{ID: sc.ID, Name: sc.Name, Type: sc.Type, Default: sc.DefaultValue})
	}

	appendDescriptors(&sm.Descriptors, m.UBOs, KindUniformBuffer)
	appendDescriptors(&sm.Descriptors, m.SSBOs, KindStorageBuffer)
	appendDescriptors(&sm.Descriptors, m.Textures, KindCombinedImageSampler)
	appendDescriptors(&sm.Descriptors, m.Images, KindStorageImage)
	appendDescriptors(&sm.Descriptors, m.SeparateImages, KindSampledImage)
	appendDescriptors(&sm.Descriptors, m.SeparateSamplers, KindSampler)
	appendDescriptors(&sm.Descriptors, m.SubpassInputs, KindInputAttachment)
	// acceleration_structures entries are parsed but not wired to a
	// descriptor kind: this binding exposes no ray-tracing extension.

	for _, pc := range m.PushConstants {
		t, ok := m.Types[pc.Type]
		if !ok {
			continue
		}
		for _, mem := range t.Members {
			sm.PushConsts = append(sm.PushConsts, PushConstantMember{
				Name: mem.Name, Offset: mem.Offset,
				TypeSize: m.TypeSize(mem.Type), ArrayStride: mem.ArrayStride, ArrayDims: mem.Array,
			})
		}
	}

	return sm, nil
}

func appendDescriptors(out *[]ReflectedDescriptor, entries []descriptorEntry, kind DescriptorKind) {
	for _, e := range entries {
		*out = append(*out, ReflectedDescriptor{
			Name: e.Name, Set: e.Set, Binding: e.Binding, Kind: kind,
			ArrayDims: e.Array, InputAttachmentIndex: e.InputAttachmentIndex,
		})
	}
}

// Handle returns the underlying vk.ShaderModule.
func (s *ShaderModule) Handle() vk.ShaderModule { return s.handle }

// Destroy destroys the shader module.
func (s *ShaderModule) Destroy() { vk.DestroyShaderModule(s.device, s.handle, nil) }

// Specialization couples a ShaderModule with the specialization-constant
// values used to resolve its spec-constant-sized descriptor arrays and
// push-constant array dimensions.
type Specialization struct {
	Module    *ShaderModule
	Constants map[string]interface{}
}

// resolveArrayDim resolves one array dimension string to a concrete
// count: a literal integer, or the value of a named specialization
// constant (falling back to its manifest default).
func (s *Specialization) resolveArrayDim(dim string) (uint32, error) {
	if n, err := strconv.ParseUint(dim, 10, 32); err == nil {
		return uint32(n), nil
	}
	if v, ok := s.Constants[dim]; ok {
		return toUint32(v)
	}
	for _, sc := range s.Module.SpecConsts {
		if sc.Name == dim {
			return toUint32(sc.Default)
		}
	}
	return 0, errors.WithStack(&ErrReflectionParse{Reason: "unresolved array dimension " + dim})
}

func toUint32(v interface{}) (uint32, error) {
	switch t := v.(type) {
	case float64:
		return uint32(t), nil
	case int:
		return uint32(t), nil
	case uint32:
		return t, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, errors.WithStack(&ErrReflectionParse{Reason: "cannot resolve constant to an integer"})
	}
}

// DescriptorCount computes the product of a descriptor's array
// dimensions, resolving each to a literal or specialization-constant value.
func (s *Specialization) DescriptorCount(d ReflectedDescriptor) (uint32, error) {
	if len(d.ArrayDims) == 0 {
		return 1, nil
	}
	count := uint32(1)
	for _, dim := range d.ArrayDims {
		n, err := s.resolveArrayDim(dim)
		if err != nil {
			return 0, err
		}
		count *= n
	}
	return count, nil
}
