package core

import (
	"unsafe"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

// heldResource is anything a CommandBuffer keeps a strong reference to
// for the duration of its lifetime, paired with the weak token it
// published to that resource's tracking set.
type heldResource struct {
	tok *cbToken
}

// CommandBuffer records into a vk.CommandBuffer, holds strong references
// to every tracked resource it touches (Buffer/Image/DescriptorSet),
// and moves through a strict Recording -> InFlight -> Done lifecycle.
type CommandBuffer struct {
	device vk.Device
	handle vk.CommandBuffer
	pool   vk.CommandPool

	state CommandBufferState
	token *cbToken

	held        []interface{}
	heldTracker []*tracking

	inRenderPass bool

	// binding cache: elide redundant vkCmdBind* calls.
	boundPipeline      vk.Pipeline
	boundPipelineLayout vk.PipelineLayout
	boundDescSets       map[uint32]vk.DescriptorSet
	boundVertexBuffers  map[uint32]vk.Buffer
	boundIndexBuffer    vk.Buffer
}

// NewCommandBuffer allocates one primary command buffer from pool.
func NewCommandBuffer(device vk.Device, pool vk.CommandPool) (*CommandBuffer, error) {
	info := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	handles := make([]vk.CommandBuffer, 1)
	if err := checkResult("vkAllocateCommandBuffers", vk.AllocateCommandBuffers(device, &info, handles)); err != nil {
		return nil, err
	}
	return &CommandBuffer{
		device: device, handle: handles[0], pool: pool,
		state: CommandBufferRecording,
		token: &cbToken{alive: true},
	}, nil
}

// Handle returns the underlying vk.CommandBuffer.
func (c *CommandBuffer) Handle() vk.CommandBuffer { return c.handle }

// State returns the command buffer's current lifecycle state.
func (c *CommandBuffer) State() CommandBufferState { return c.state }

// hold keeps a strong reference to res (a *Buffer, *Image, or
// *DescriptorSet) and registers this command buffer's weak token with
// its tracking set, so the resource's InUse reports true until this
// command buffer is reaped.
func (c *CommandBuffer) hold(res interface{}, t *tracking) {
	c.held = append(c.held, res)
	c.heldTracker = append(c.heldTracker, t)
	t.track(c.token)
}

func (c *CommandBuffer) requireRecording(op string) error {
	if c.state != CommandBufferRecording {
		return errors.WithStack(&ErrNotRecording{Op: op})
	}
	return nil
}

// Begin starts recording with the given usage flags (e.g.
// vk.CommandBufferUsageOneTimeSubmitBit).
func (c *CommandBuffer) Begin(flags vk.CommandBufferUsageFlags) error {
	if err := c.requireRecording("Begin"); err != nil {
		return err
	}
	info := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: flags,
	}
	return checkResult("vkBeginCommandBuffer", vk.BeginCommandBuffer(c.handle, &info))
}

// End finishes recording.
func (c *CommandBuffer) End() error {
	if err := c.requireRecording("End"); err != nil {
		return err
	}
	if c.inRenderPass {
		return errors.WithStack(&ErrNotInRenderPass{Op: "End (render pass still open)"})
	}
	return checkResult("vkEndCommandBuffer", vk.EndCommandBuffer(c.handle))
}

// markSubmitted transitions Recording -> InFlight; called by the device
// right before vkQueueSubmit.
func (c *CommandBuffer) markSubmitted() { c.state = CommandBufferInFlight }

// releasable is implemented by pooled resources (Buffer, Image,
// DescriptorSet) that know how to return themselves to the Device pool
// they were acquired from.
type releasable interface {
	release()
}

// reap transitions InFlight -> Done, returns every held resource that was
// acquired from a Device pool back to that pool, drops the remaining held
// references, and invalidates this command buffer's weak token so tracked
// resources see it as no longer in use.
func (c *CommandBuffer) reap() {
	c.state = CommandBufferDone
	c.token.alive = false
	released := map[interface{}]bool{}
	for _, res := range c.held {
		if released[res] {
			continue
		}
		released[res] = true
		if r, ok := res.(releasable); ok {
			r.release()
		}
	}
	c.held = nil
	c.heldTracker = nil
}

// TransitionImage emits a pipeline barrier moving every subresource in
// range from its currently tracked layout to newLayout, using each
// subresource's tracked stage/access as the source and the default
// stage/access for newLayout (stageAccessForLayout) as the destination,
// and updates the image's tracked state to match. The destination masks
// cannot be overridden by the caller.
func (c *CommandBuffer) TransitionImage(img *Image, aspect vk.ImageAspectFlags, baseLevel, levelCount, baseLayer, layerCount uint32, newLayout vk.ImageLayout) error {
	if err := c.requireRecording("TransitionImage"); err != nil {
		return err
	}
	c.hold(img, &img.tracking)

	dstStage, dstAccess := stageAccessForLayout(newLayout)

	if levelCount == 0 {
		levelCount = img.levels - baseLevel
	}
	if layerCount == 0 {
		layerCount = img.layers - baseLayer
	}

	// Emit one barrier per (layer, level) subresource, since each may have
	// a different tracked old layout and vkCmdPipelineBarrier requires a
	// single oldLayout per VkImageMemoryBarrier.
	type group struct {
		oldLayout    vk.ImageLayout
		srcStage     vk.PipelineStageFlags
		srcAccess    vk.AccessFlags
		baseLevel    uint32
		levelCount   uint32
		baseLayer    uint32
		layerCount   uint32
	}
	var groups []group
	for l := baseLevel; l < baseLevel+levelCount; l++ {
		for a := baseLayer; a < baseLayer+layerCount; a++ {
			st, err := img.trackedState(aspect, a, l)
			if err != nil {
				return err
			}
			groups = append(groups, group{
				oldLayout: st.layout, srcStage: st.stage, srcAccess: st.access,
				baseLevel: l, levelCount: 1, baseLayer: a, layerCount: 1,
			})
		}
	}

	barriers := make([]vk.ImageMemoryBarrier, 0, len(groups))
	var combinedSrcStage vk.PipelineStageFlags
	for _, g := range groups {
		barriers = append(barriers, vk.ImageMemoryBarrier{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       g.srcAccess,
			DstAccessMask:       dstAccess,
			OldLayout:           g.oldLayout,
			NewLayout:           newLayout,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               img.handle,
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: aspect, BaseMipLevel: g.baseLevel, LevelCount: g.levelCount,
				BaseArrayLayer: g.baseLayer, LayerCount: g.layerCount,
			},
		})
		combinedSrcStage |= g.srcStage
	}
	if len(barriers) == 0 {
		return nil
	}
	if combinedSrcStage == 0 {
		combinedSrcStage = vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit)
	}

	vk.CmdPipelineBarrier(c.handle, combinedSrcStage, dstStage, 0, 0, nil, 0, nil, uint32(len(barriers)), barriers)

	for l := baseLevel; l < baseLevel+levelCount; l++ {
		for a := baseLayer; a < baseLayer+layerCount; a++ {
			st, _ := img.trackedState(aspect, a, l)
			st.layout = newLayout
			st.stage = dstStage
			st.access = dstAccess
		}
	}
	return nil
}

// BeginRenderPass begins a classic (non-dynamic) render pass with the
// given clear values.
func (c *CommandBuffer) BeginRenderPass(pass *RenderPass, fb *Framebuffer, renderArea vk.Rect2D, clearValues []vk.ClearValue) error {
	if err := c.requireRecording("BeginRenderPass"); err != nil {
		return err
	}
	if c.inRenderPass {
		return errors.WithStack(&ErrNotInRenderPass{Op: "BeginRenderPass (already open)"})
	}
	info := vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  pass.handle,
		Framebuffer: fb.handle,
		RenderArea:  renderArea,
	}
	if len(clearValues) > 0 {
		info.ClearValueCount = uint32(len(clearValues))
		info.PClearValues = clearValues
	}
	vk.CmdBeginRenderPass(c.handle, &info, vk.SubpassContentsInline)
	c.inRenderPass = true
	return nil
}

// NextSubpass advances to the next subpass of the currently open render pass.
func (c *CommandBuffer) NextSubpass() error {
	if !c.inRenderPass {
		return errors.WithStack(&ErrNotInRenderPass{Op: "NextSubpass"})
	}
	vk.CmdNextSubpass(c.handle, vk.SubpassContentsInline)
	return nil
}

// EndRenderPass ends the currently open render pass.
func (c *CommandBuffer) EndRenderPass() error {
	if !c.inRenderPass {
		return errors.WithStack(&ErrNotInRenderPass{Op: "EndRenderPass"})
	}
	vk.CmdEndRenderPass(c.handle)
	c.inRenderPass = false
	return nil
}

// BindPipeline binds pipeline at bindPoint, eliding the call if this
// exact pipeline is already bound.
func (c *CommandBuffer) BindPipeline(bindPoint vk.PipelineBindPoint, pipeline *Pipeline) {
	if c.boundPipeline == pipeline.handle {
		return
	}
	vk.CmdBindPipeline(c.handle, bindPoint, pipeline.handle)
	c.boundPipeline = pipeline.handle
	c.boundDescSets = nil // a new pipeline may have an incompatible layout
}

// BindDescriptorSet binds set at the given set number, eliding the call
// if this exact set is already bound there with this pipeline layout.
func (c *CommandBuffer) BindDescriptorSet(bindPoint vk.PipelineBindPoint, layout *PipelineLayout, setNumber uint32, set *DescriptorSet) {
	c.hold(set, &set.tracking)
	if c.boundPipelineLayout != layout.handle {
		c.boundDescSets = nil
		c.boundPipelineLayout = layout.handle
	}
	if c.boundDescSets == nil {
		c.boundDescSets = map[uint32]vk.DescriptorSet{}
	}
	if c.boundDescSets[setNumber] == set.handle {
		return
	}
	sets := []vk.DescriptorSet{set.handle}
	vk.CmdBindDescriptorSets(c.handle, bindPoint, layout.handle, setNumber, 1, sets, 0, nil)
	c.boundDescSets[setNumber] = set.handle
}

// BindVertexBuffer binds buffer at binding/offset, eliding the call if
// unchanged.
func (c *CommandBuffer) BindVertexBuffer(binding uint32, buffer *Buffer, offset vk.DeviceSize) {
	c.hold(buffer, &buffer.tracking)
	if c.boundVertexBuffers == nil {
		c.boundVertexBuffers = map[uint32]vk.Buffer{}
	}
	if c.boundVertexBuffers[binding] == buffer.handle {
		return
	}
	buffers := []vk.Buffer{buffer.handle}
	offsets := []vk.DeviceSize{offset}
	vk.CmdBindVertexBuffers(c.handle, binding, 1, buffers, offsets)
	c.boundVertexBuffers[binding] = buffer.handle
}

// BindIndexBuffer binds buffer as the index buffer, eliding the call if unchanged.
func (c *CommandBuffer) BindIndexBuffer(buffer *Buffer, offset vk.DeviceSize, indexType vk.IndexType) {
	c.hold(buffer, &buffer.tracking)
	if c.boundIndexBuffer == buffer.handle {
		return
	}
	vk.CmdBindIndexBuffer(c.handle, buffer.handle, offset, indexType)
	c.boundIndexBuffer = buffer.handle
}

// PushConstants updates push-constant bytes for the given range.
func (c *CommandBuffer) PushConstants(layout *PipelineLayout, stages vk.ShaderStageFlags, offset uint32, data []byte) {
	if len(data) == 0 {
		return
	}
	vk.CmdPushConstants(c.handle, layout.handle, stages, offset, uint32(len(data)), unsafe.Pointer(&data[0]))
}

// Draw records a non-indexed draw.
func (c *CommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	vk.CmdDraw(c.handle, vertexCount, instanceCount, firstVertex, firstInstance)
}

// DrawIndexed records an indexed draw.
func (c *CommandBuffer) DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	vk.CmdDrawIndexed(c.handle, indexCount, instanceCount, firstIndex, vertexOffset, firstInstance)
}

// Dispatch records a compute dispatch.
func (c *CommandBuffer) Dispatch(groupsX, groupsY, groupsZ uint32) {
	vk.CmdDispatch(c.handle, groupsX, groupsY, groupsZ)
}

// CopyBuffer records copies from src to dst.
func (c *CommandBuffer) CopyBuffer(src, dst *Buffer, regions []vk.BufferCopy) {
	c.hold(src, &src.tracking)
	c.hold(dst, &dst.tracking)
	if len(regions) == 0 {
		return
	}
	vk.CmdCopyBuffer(c.handle, src.handle, dst.handle, uint32(len(regions)), regions)
}

// CopyBufferToImage records a buffer->image copy; the image must already
// be in dstLayout (see TransitionImage).
func (c *CommandBuffer) CopyBufferToImage(src *Buffer, dst *Image, dstLayout vk.ImageLayout, regions []vk.BufferImageCopy) {
	c.hold(src, &src.tracking)
	c.hold(dst, &dst.tracking)
	if len(regions) == 0 {
		return
	}
	vk.CmdCopyBufferToImage(c.handle, src.handle, dst.handle, dstLayout, uint32(len(regions)), regions)
}

// BlitImage records an image blit, used by GenerateMipmaps for each
// sequential mip-to-mip pass.
func (c *CommandBuffer) BlitImage(src *Image, srcLayout vk.ImageLayout, dst *Image, dstLayout vk.ImageLayout, regions []vk.ImageBlit, filter vk.Filter) {
	c.hold(src, &src.tracking)
	c.hold(dst, &dst.tracking)
	if len(regions) == 0 {
		return
	}
	vk.CmdBlitImage(c.handle, src.handle, srcLayout, dst.handle, dstLayout, uint32(len(regions)), regions, filter)
}

// GenerateMipmaps blits level 0 down through img.Levels()-1 sequentially,
// transitioning each source level to TransferSrcOptimal as it becomes
// available and leaving every level in TransferSrcOptimal when done.
// img must have been created with TransferSrcBit|TransferDstBit usage.
func (c *CommandBuffer) GenerateMipmaps(img *Image, aspect vk.ImageAspectFlags) error {
	if img.usage&vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit) == 0 ||
		img.usage&vk.ImageUsageFlags(vk.ImageUsageTransferDstBit) == 0 {
		return errUnsupportedUsage(img.usage, vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit|vk.ImageUsageTransferDstBit))
	}

	levels := img.levels
	w, h := int32(img.extent.Width), int32(img.extent.Height)

	for level := uint32(0); level+1 < levels; level++ {
		if err := c.TransitionImage(img, aspect, level, 1, 0, img.layers, vk.ImageLayoutTransferSrcOptimal); err != nil {
			return err
		}
		if err := c.TransitionImage(img, aspect, level+1, 1, 0, img.layers, vk.ImageLayoutTransferDstOptimal); err != nil {
			return err
		}

		nw, nh := w, h
		if nw > 1 {
			nw /= 2
		}
		if nh > 1 {
			nh /= 2
		}

		blit := vk.ImageBlit{
			SrcSubresource: vk.ImageSubresourceLayers{AspectMask: aspect, MipLevel: level, BaseArrayLayer: 0, LayerCount: img.layers},
			SrcOffsets:     [2]vk.Offset3D{{X: 0, Y: 0, Z: 0}, {X: w, Y: h, Z: 1}},
			DstSubresource: vk.ImageSubresourceLayers{AspectMask: aspect, MipLevel: level + 1, BaseArrayLayer: 0, LayerCount: img.layers},
			DstOffsets:     [2]vk.Offset3D{{X: 0, Y: 0, Z: 0}, {X: nw, Y: nh, Z: 1}},
		}
		c.BlitImage(img, vk.ImageLayoutTransferSrcOptimal, img, vk.ImageLayoutTransferDstOptimal, []vk.ImageBlit{blit}, vk.FilterLinear)

		w, h = nw, nh
	}

	return c.TransitionImage(img, aspect, levels-1, 1, 0, img.layers, vk.ImageLayoutTransferSrcOptimal)
}
