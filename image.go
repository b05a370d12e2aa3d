package core

import (
	"math/bits"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

// subresourceState is the tracked (layout, last-writing-stage,
// last-access-mask) triple for one (aspect, layer, level).
type subresourceState struct {
	layout vk.ImageLayout
	stage  vk.PipelineStageFlags
	access vk.AccessFlags
}

// imageAspects enumerates the aspects present in a fixed order, used to
// index the flat tracked-state array (§9: flat array instead of hash map).
var imageAspects = []vk.ImageAspectFlags{
	vk.ImageAspectFlags(vk.ImageAspectColorBit),
	vk.ImageAspectFlags(vk.ImageAspectDepthBit),
	vk.ImageAspectFlags(vk.ImageAspectStencilBit),
}

func aspectIndex(aspect vk.ImageAspectFlags) int {
	for i, a := range imageAspects {
		if a == aspect {
			return i
		}
	}
	return -1
}

// imageViewKey identifies a cached ImageView by subresource range and
// component mapping.
type imageViewKey struct {
	aspect                vk.ImageAspectFlags
	baseLevel, levelCount uint32
	baseLayer, layerCount uint32
	viewType              vk.ImageViewType
	r, g, b, a            vk.ComponentSwizzle
}

// Image owns a Vulkan image, its memory allocation (nil for
// externally-owned images such as swapchain images), and per-subresource
// tracked state.
type Image struct {
	device    vk.Device
	allocator *MemoryAllocator

	handle  vk.Image
	alloc   *SubAllocation // nil when externally owned
	extent  vk.Extent3D
	format  vk.Format
	layers  uint32
	levels  uint32
	samples vk.SampleCountFlagBits
	usage   vk.ImageUsageFlags

	// flat array indexed by aspectIndex*layers*levels + layer*levels + level
	state []subresourceState

	views map[imageViewKey]*ImageView

	// releaser, when non-nil, returns this image to the Device pool it
	// was acquired from instead of letting reap drop its last reference.
	releaser func()

	tracking
}

// release returns the image to its owning pool if it was acquired from
// one; otherwise it is a no-op, leaving disposal to the caller.
func (img *Image) release() {
	if img.releaser != nil {
		img.releaser()
	}
}

// ImageView is a cached vk.ImageView over a subresource range of an Image.
type ImageView struct {
	image *Image
	key   imageViewKey
	inner vk.ImageView
}

func (v *ImageView) Handle() vk.ImageView { return v.inner }
func (v *ImageView) Image() *Image        { return v.image }

func (img *Image) stateIndex(aspectIdx int, layer, level uint32) int {
	return aspectIdx*int(img.layers)*int(img.levels) + int(layer)*int(img.levels) + int(level)
}

// MaxMips returns the maximum mip-chain length for the given extent.
func MaxMips(extent vk.Extent3D) uint32 {
	m := extent.Width
	if extent.Height > m {
		m = extent.Height
	}
	if extent.Depth > m {
		m = extent.Depth
	}
	if m == 0 {
		return 1
	}
	return uint32(bits.Len32(m))
}

// ImageCreateOptions groups the parameters of NewImage.
type ImageCreateOptions struct {
	Extent  vk.Extent3D
	Format  vk.Format
	Layers  uint32
	Levels  uint32
	Samples vk.SampleCountFlagBits
	Usage   vk.ImageUsageFlags
	Tiling  vk.ImageTiling
	Flags   vk.ImageCreateFlags
}

// NewImage creates a 2D (or 3D, if Extent.Depth > 1) image with the given
// options, backed by device-local memory.
func NewImage(device vk.Device, allocator *MemoryAllocator, opts ImageCreateOptions) (*Image, error) {
	if opts.Levels == 0 {
		opts.Levels = 1
	}
	if opts.Layers == 0 {
		opts.Layers = 1
	}
	if opts.Samples == 0 {
		opts.Samples = vk.SampleCount1Bit
	}
	if opts.Tiling == 0 {
		opts.Tiling = vk.ImageTilingOptimal
	}

	imageType := vk.ImageType2d
	if opts.Extent.Depth > 1 {
		imageType = vk.ImageType3d
	}

	info := vk.ImageCreateInfo{
		SType:         vk.StructureTypeImageCreateInfo,
		Flags:         opts.Flags,
		ImageType:     imageType,
		Format:        opts.Format,
		Extent:        opts.Extent,
		MipLevels:     opts.Levels,
		ArrayLayers:   opts.Layers,
		Samples:       opts.Samples,
		Tiling:        opts.Tiling,
		Usage:         opts.Usage,
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}

	var handle vk.Image
	if err := checkResult("vkCreateImage", vk.CreateImage(device, &info, nil, &handle)); err != nil {
		return nil, err
	}

	var requirements vk.MemoryRequirements
	vk.GetImageMemoryRequirements(device, handle, &requirements)
	requirements.Deref()

	alloc, err := allocator.Allocate(requirements, vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if err != nil {
		vk.DestroyImage(device, handle, nil)
		return nil, err
	}
	if err := checkResult("vkBindImageMemory", vk.BindImageMemory(device, handle, alloc.Memory(), alloc.Offset)); err != nil {
		allocator.Free(alloc)
		vk.DestroyImage(device, handle, nil)
		return nil, err
	}

	return newImageFromHandle(device, allocator, handle, &alloc, opts.Extent, opts.Format, opts.Layers, opts.Levels, opts.Samples, opts.Usage), nil
}

// WrapExternal wraps an externally-owned vk.Image (e.g. a swapchain
// image) whose memory is not managed by this allocator. Destroy on the
// result does not free the image or its memory, only cached views.
func WrapExternal(device vk.Device, handle vk.Image, extent vk.Extent3D, format vk.Format, layers, levels uint32) *Image {
	if layers == 0 {
		layers = 1
	}
	if levels == 0 {
		levels = 1
	}
	return newImageFromHandle(device, nil, handle, nil, extent, format, layers, levels, vk.SampleCount1Bit, 0)
}

func newImageFromHandle(device vk.Device, allocator *MemoryAllocator, handle vk.Image, alloc *SubAllocation, extent vk.Extent3D, format vk.Format, layers, levels uint32, samples vk.SampleCountFlagBits, usage vk.ImageUsageFlags) *Image {
	img := &Image{
		device:    device,
		allocator: allocator,
		handle:    handle,
		alloc:     alloc,
		extent:    extent,
		format:    format,
		layers:    layers,
		levels:    levels,
		samples:   samples,
		usage:     usage,
		views:     make(map[imageViewKey]*ImageView),
	}
	img.state = make([]subresourceState, len(imageAspects)*int(layers)*int(levels))
	for i := range img.state {
		img.state[i] = subresourceState{layout: vk.ImageLayoutUndefined, stage: vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit), access: 0}
	}
	return img
}

// Extent returns the image's 3D extent.
func (img *Image) Extent() vk.Extent3D { return img.extent }

// Format returns the image's format.
func (img *Image) Format() vk.Format { return img.format }

// Levels returns the mip-level count.
func (img *Image) Levels() uint32 { return img.levels }

// Layers returns the array-layer count.
func (img *Image) Layers() uint32 { return img.layers }

// Usage returns the image's usage flags.
func (img *Image) Usage() vk.ImageUsageFlags { return img.usage }

// Handle returns the underlying vk.Image.
func (img *Image) Handle() vk.Image { return img.handle }

// Destroy destroys every cached view and, if this image owns its memory,
// the image handle and its allocation.
func (img *Image) Destroy() {
	for _, v := range img.views {
		vk.DestroyImageView(img.device, v.inner, nil)
	}
	img.views = nil
	if img.alloc != nil {
		vk.DestroyImage(img.device, img.handle, nil)
		img.allocator.Free(*img.alloc)
	}
}

// trackedState returns the tracked state for a single subresource,
// validating the request lies within the image.
func (img *Image) trackedState(aspect vk.ImageAspectFlags, layer, level uint32) (*subresourceState, error) {
	ai := aspectIndex(aspect)
	if ai < 0 || layer >= img.layers || level >= img.levels {
		return nil, errors.WithStack(&ErrInvalidSubresource{Aspect: aspect, BaseLayer: layer, Layer: img.layers, BaseLevel: level, Level: img.levels})
	}
	return &img.state[img.stateIndex(ai, layer, level)], nil
}

// View returns (creating and caching if necessary) an ImageView over the
// given subresource range and component mapping.
func (img *Image) View(aspect vk.ImageAspectFlags, baseLevel, levelCount, baseLayer, layerCount uint32, viewType vk.ImageViewType, mapping vk.ComponentMapping) (*ImageView, error) {
	if baseLevel+levelCount > img.levels || baseLayer+layerCount > img.layers {
		return nil, errors.WithStack(&ErrInvalidSubresource{Aspect: aspect, BaseLayer: baseLayer, Layer: layerCount, BaseLevel: baseLevel, Level: levelCount})
	}
	key := imageViewKey{
		aspect: aspect, baseLevel: baseLevel, levelCount: levelCount,
		baseLayer: baseLayer, layerCount: layerCount, viewType: viewType,
		r: mapping.R, g: mapping.G, b: mapping.B, a: mapping.A,
	}
	if v, ok := img.views[key]; ok {
		return v, nil
	}

	info := vk.ImageViewCreateInfo{
		SType:      vk.StructureTypeImageViewCreateInfo,
		Image:      img.handle,
		ViewType:   viewType,
		Format:     img.format,
		Components: mapping,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     aspect,
			BaseMipLevel:   baseLevel,
			LevelCount:     levelCount,
			BaseArrayLayer: baseLayer,
			LayerCount:     layerCount,
		},
	}
	var handle vk.ImageView
	if err := checkResult("vkCreateImageView", vk.CreateImageView(img.device, &info, nil, &handle)); err != nil {
		return nil, err
	}
	view := &ImageView{image: img, key: key, inner: handle}
	img.views[key] = view
	return view, nil
}

// DefaultView returns the whole-image 2D view with an identity component
// mapping, the common case for a render target or sampled texture.
func (img *Image) DefaultView(aspect vk.ImageAspectFlags) (*ImageView, error) {
	identity := vk.ComponentMapping{
		R: vk.ComponentSwizzleIdentity, G: vk.ComponentSwizzleIdentity,
		B: vk.ComponentSwizzleIdentity, A: vk.ComponentSwizzleIdentity,
	}
	return img.View(aspect, 0, img.levels, 0, img.layers, vk.ImageViewType2d, identity)
}

// stageAccessForLayout is the default (stage, access) pair for a layout
// when the caller omits explicit values (§4.8 table).
func stageAccessForLayout(layout vk.ImageLayout) (vk.PipelineStageFlags, vk.AccessFlags) {
	switch layout {
	case vk.ImageLayoutUndefined:
		return vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit), 0
	case vk.ImageLayoutGeneral:
		return vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
			vk.AccessFlags(vk.AccessShaderReadBit) | vk.AccessFlags(vk.AccessShaderWriteBit)
	case vk.ImageLayoutColorAttachmentOptimal:
		return vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit), 0
	case vk.ImageLayoutDepthStencilAttachmentOptimal:
		return vk.PipelineStageFlags(vk.PipelineStageLateFragmentTestsBit),
			vk.AccessFlags(vk.AccessDepthStencilAttachmentReadBit) | vk.AccessFlags(vk.AccessDepthStencilAttachmentWriteBit)
	case vk.ImageLayoutDepthStencilReadOnlyOptimal:
		return vk.PipelineStageFlags(vk.PipelineStageLateFragmentTestsBit), vk.AccessFlags(vk.AccessDepthStencilAttachmentReadBit)
	case vk.ImageLayoutShaderReadOnlyOptimal:
		return vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit), vk.AccessFlags(vk.AccessShaderReadBit)
	case vk.ImageLayoutTransferSrcOptimal:
		return vk.PipelineStageFlags(vk.PipelineStageTransferBit), vk.AccessFlags(vk.AccessTransferReadBit)
	case vk.ImageLayoutTransferDstOptimal:
		return vk.PipelineStageFlags(vk.PipelineStageTransferBit), vk.AccessFlags(vk.AccessTransferWriteBit)
	case vk.ImageLayoutPresentSrc:
		return vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit), 0
	default:
		return vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit), 0
	}
}
