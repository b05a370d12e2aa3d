package core

import (
	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

// AttachmentRole names how a subpass references an attachment, driving
// both which vk.AttachmentReference list it lands in and the read/write
// masks used for dependency inference.
type AttachmentRole int

const (
	AttachmentColor AttachmentRole = iota
	AttachmentDepthStencil
	AttachmentInput
	AttachmentResolve
	AttachmentPreserve
)

// SubpassAttachmentUse is one attachment reference within one subpass.
type SubpassAttachmentUse struct {
	Name   string
	Role   AttachmentRole
	Layout vk.ImageLayout
}

// SubpassDesc describes one subpass's attachment uses.
type SubpassDesc struct {
	BindPoint vk.PipelineBindPoint
	Uses      []SubpassAttachmentUse
}

// AttachmentDesc is the caller-supplied description of one named
// attachment's format/samples/load-store behavior. Only the first
// AttachmentDesc with a given name in the attachments list supplies
// Format/Samples/LoadOp/InitialLayout; a later entry with the same name
// may only adjust FinalLayout/StoreOp/StencilStoreOp,
// matching the propagation rule of the reference render pass this module
// is modeled on.
type AttachmentDesc struct {
	Name           string
	Format         vk.Format
	Samples        vk.SampleCountFlagBits
	LoadOp         vk.AttachmentLoadOp
	StoreOp        vk.AttachmentStoreOp
	StencilLoadOp  vk.AttachmentLoadOp
	StencilStoreOp vk.AttachmentStoreOp
	InitialLayout  vk.ImageLayout
	FinalLayout    vk.ImageLayout
}

func roleWriteMask(role AttachmentRole) (stage vk.PipelineStageFlags, access vk.AccessFlags, isWrite bool) {
	switch role {
	case AttachmentColor, AttachmentResolve:
		return vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
			vk.AccessFlags(vk.AccessColorAttachmentWriteBit), true
	case AttachmentDepthStencil:
		return vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit | vk.PipelineStageLateFragmentTestsBit),
			vk.AccessFlags(vk.AccessDepthStencilAttachmentWriteBit), true
	case AttachmentInput:
		return vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit),
			vk.AccessFlags(vk.AccessInputAttachmentReadBit), false
	default:
		return 0, 0, false
	}
}

func roleReadMask(role AttachmentRole) (stage vk.PipelineStageFlags, access vk.AccessFlags) {
	switch role {
	case AttachmentColor, AttachmentResolve:
		return vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
			vk.AccessFlags(vk.AccessColorAttachmentReadBit)
	case AttachmentDepthStencil:
		return vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit | vk.PipelineStageLateFragmentTestsBit),
			vk.AccessFlags(vk.AccessDepthStencilAttachmentReadBit)
	case AttachmentInput:
		return vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit),
			vk.AccessFlags(vk.AccessInputAttachmentReadBit | vk.AccessShaderReadBit)
	default:
		return 0, 0
	}
}

// RenderPass wraps a vk.RenderPass built from a flat, first-appearance-
// ordered attachment list and a set of named subpasses, inferring
// subpass dependencies by scanning, for each subpass, every earlier
// subpass that wrote an attachment this one reads or writes.
type RenderPass struct {
	device  vk.Device
	handle  vk.RenderPass
	Names   []string // attachment index -> name, in creation order
	Extent  vk.Extent2D
}

// Handle returns the underlying vk.RenderPass.
func (r *RenderPass) Handle() vk.RenderPass { return r.handle }

// Destroy destroys the render pass.
func (r *RenderPass) Destroy() { vk.DestroyRenderPass(r.device, r.handle, nil) }

// NewRenderPass builds the flat attachment list (by first appearance
// across attachments/subpasses), the per-subpass attachment references,
// and the inferred subpass dependencies, then creates the vk.RenderPass.
func NewRenderPass(device vk.Device, attachments []AttachmentDesc, subpasses []SubpassDesc) (*RenderPass, error) {
	index := map[string]int{}
	vkAttachments := make([]vk.AttachmentDescription, 0, len(attachments))
	names := make([]string, 0, len(attachments))

	ensure := func(name string) (int, error) {
		if i, ok := index[name]; ok {
			return i, nil
		}
		for _, a := range attachments {
			if a.Name == name {
				index[name] = len(vkAttachments)
				vkAttachments = append(vkAttachments, vk.AttachmentDescription{
					Format:         a.Format,
					Samples:        a.Samples,
					LoadOp:         a.LoadOp,
					StoreOp:        a.StoreOp,
					StencilLoadOp:  a.StencilLoadOp,
					StencilStoreOp: a.StencilStoreOp,
					InitialLayout:  a.InitialLayout,
					FinalLayout:    a.FinalLayout,
				})
				names = append(names, name)
				return index[name], nil
			}
		}
		return 0, errors.WithStack(&ErrMissingDescriptor{Name: name})
	}

	// Later references to an already-seen attachment may only update
	// finalLayout/storeOp/stencilStoreOp, matching first-occurrence vs
	// later-reference propagation.
	propagate := func(i int, a AttachmentDesc) {
		vkAttachments[i].FinalLayout = a.FinalLayout
		vkAttachments[i].StoreOp = a.StoreOp
		vkAttachments[i].StencilStoreOp = a.StencilStoreOp
	}

	for _, a := range attachments {
		if _, ok := index[a.Name]; ok {
			continue
		}
		if _, err := ensure(a.Name); err != nil {
			return nil, err
		}
	}
	for _, a := range attachments {
		if i, ok := index[a.Name]; ok {
			propagate(i, a)
		}
	}

	type subpassRefs struct {
		bindPoint vk.PipelineBindPoint
		color     []vk.AttachmentReference
		resolve   []vk.AttachmentReference
		input     []vk.AttachmentReference
		depth     *vk.AttachmentReference
		preserve  []uint32
		uses      []SubpassAttachmentUse
		indices   []int
	}
	built := make([]subpassRefs, len(subpasses))

	for si, sp := range subpasses {
		sr := subpassRefs{bindPoint: sp.BindPoint, uses: sp.Uses}
		for _, use := range sp.Uses {
			idx, err := ensure(use.Name)
			if err != nil {
				return nil, err
			}
			sr.indices = append(sr.indices, idx)
			ref := vk.AttachmentReference{Attachment: uint32(idx), Layout: use.Layout}
			switch use.Role {
			case AttachmentColor:
				sr.color = append(sr.color, ref)
			case AttachmentResolve:
				sr.resolve = append(sr.resolve, ref)
			case AttachmentInput:
				sr.input = append(sr.input, ref)
			case AttachmentDepthStencil:
				d := ref
				sr.depth = &d
			case AttachmentPreserve:
				sr.preserve = append(sr.preserve, uint32(idx))
			}
		}
		built[si] = sr
	}

	vkSubpasses := make([]vk.SubpassDescription, len(built))
	for i, sr := range built {
		d := vk.SubpassDescription{
			PipelineBindPoint:    sr.bindPoint,
			ColorAttachmentCount: uint32(len(sr.color)),
		}
		if len(sr.color) > 0 {
			d.PColorAttachments = sr.color
		}
		if len(sr.resolve) > 0 {
			d.PResolveAttachments = sr.resolve
		}
		if len(sr.input) > 0 {
			d.InputAttachmentCount = uint32(len(sr.input))
			d.PInputAttachments = sr.input
		}
		if sr.depth != nil {
			d.PDepthStencilAttachment = sr.depth
		}
		if len(sr.preserve) > 0 {
			d.PreserveAttachmentCount = uint32(len(sr.preserve))
			d.PPreserveAttachments = sr.preserve
		}
		vkSubpasses[i] = d
	}

	var dependencies []vk.SubpassDependency
	for i := range built {
		// accumulate, for each earlier writing subpass this one
		// reads-from-or-writes-to the same attachment, an OR'd
		// stage/access mask, collapsing into one dependency per
		// (srcSubpass, dstSubpass) pair.
		acc := map[int]*vk.SubpassDependency{}
		for _, use := range built[i].uses {
			idx := index[use.Name]
			dstStageW, dstAccessW, dstIsWrite := roleWriteMask(use.Role)
			dstStageR, dstAccessR := roleReadMask(use.Role)
			dstStage := dstStageW | dstStageR
			dstAccess := dstAccessW | dstAccessR
			if !dstIsWrite {
				dstStage = dstStageR
				dstAccess = dstAccessR
			}

			for j := 0; j < i; j++ {
				wrote := false
				var srcStage vk.PipelineStageFlags
				var srcAccess vk.AccessFlags
				for _, earlierUse := range built[j].uses {
					if earlierUse.Name != use.Name {
						continue
					}
					st, ac, isWrite := roleWriteMask(earlierUse.Role)
					if isWrite {
						wrote = true
						srcStage |= st
						srcAccess |= ac
					}
				}
				if !wrote {
					continue
				}
				if dep, ok := acc[j]; ok {
					dep.SrcStageMask |= srcStage
					dep.DstStageMask |= dstStage
					dep.SrcAccessMask |= srcAccess
					dep.DstAccessMask |= dstAccess
				} else {
					acc[j] = &vk.SubpassDependency{
						SrcSubpass:      uint32(j),
						DstSubpass:      uint32(i),
						SrcStageMask:    srcStage,
						DstStageMask:    dstStage,
						SrcAccessMask:   srcAccess,
						DstAccessMask:   dstAccess,
						DependencyFlags: vk.DependencyFlags(vk.DependencyByRegionBit),
					}
				}
			}
			_ = idx
		}
		for j := 0; j < i; j++ {
			if dep, ok := acc[j]; ok {
				dependencies = append(dependencies, *dep)
			}
		}
	}

	info := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(vkAttachments)),
		PAttachments:    vkAttachments,
		SubpassCount:    uint32(len(vkSubpasses)),
		PSubpasses:      vkSubpasses,
	}
	if len(dependencies) > 0 {
		info.DependencyCount = uint32(len(dependencies))
		info.PDependencies = dependencies
	}

	var handle vk.RenderPass
	if err := checkResult("vkCreateRenderPass", vk.CreateRenderPass(device, &info, nil, &handle)); err != nil {
		return nil, err
	}

	return &RenderPass{device: device, handle: handle, Names: names}, nil
}

// Framebuffer wraps a vk.Framebuffer whose extent is the maximum extent
// over its attachment images.
type Framebuffer struct {
	device vk.Device
	handle vk.Framebuffer
	Extent vk.Extent2D
}

// Handle returns the underlying vk.Framebuffer.
func (f *Framebuffer) Handle() vk.Framebuffer { return f.handle }

// Destroy destroys the framebuffer.
func (f *Framebuffer) Destroy() { vk.DestroyFramebuffer(f.device, f.handle, nil) }

// NewFramebuffer creates a framebuffer for pass from views, one per
// attachment in pass.Names order, sized to the max width/height across
// extents, with a single layer.
func NewFramebuffer(device vk.Device, pass *RenderPass, views []vk.ImageView, extents []vk.Extent3D) (*Framebuffer, error) {
	if len(views) != len(extents) {
		return nil, errors.WithStack(&ErrReflectionParse{Reason: "views/extents length mismatch"})
	}
	var w, h uint32
	for _, e := range extents {
		if e.Width > w {
			w = e.Width
		}
		if e.Height > h {
			h = e.Height
		}
	}

	info := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      pass.handle,
		AttachmentCount: uint32(len(views)),
		Width:           w,
		Height:          h,
		Layers:          1,
	}
	if len(views) > 0 {
		info.PAttachments = views
	}

	var handle vk.Framebuffer
	if err := checkResult("vkCreateFramebuffer", vk.CreateFramebuffer(device, &info, nil, &handle)); err != nil {
		return nil, err
	}

	return &Framebuffer{device: device, handle: handle, Extent: vk.Extent2D{Width: w, Height: h}}, nil
}
