package core

import (
	"sync"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

// ErrRenderGraphCycle is returned when a render graph's declared
// attachment dependencies form a cycle; it is never silently resolved.
type ErrRenderGraphCycle struct {
	Nodes []string
}

func (e *ErrRenderGraphCycle) Error() string {
	s := "render graph cycle among nodes:"
	for _, n := range e.Nodes {
		s += " " + n
	}
	return s
}

// AttachmentInfo describes the extent/usage an attachment name should be
// allocated with; callers supply this externally (it is not derivable
// from subpass descriptions alone).
type AttachmentInfo struct {
	Extent vk.Extent3D
	Usage  vk.ImageUsageFlags
	Format vk.Format
}

func defaultAttachmentInfo(isDepth bool) AttachmentInfo {
	usage := vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageSampledBit)
	format := vk.FormatR8g8b8a8Unorm
	if isDepth {
		usage = vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit | vk.ImageUsageSampledBit)
		format = vk.FormatD32Sfloat
	}
	return AttachmentInfo{
		Extent: vk.Extent3D{Width: 1024, Height: 1024, Depth: 1},
		Usage:  usage,
		Format: format,
	}
}

// RenderNode is one named render pass plus its framebuffer attachment
// bindings and declared non-subpass ("reads, but nothing inside this
// node writes") attachment dependencies.
type RenderNode struct {
	Name           string
	Attachments    []AttachmentDesc
	Subpasses      []SubpassDesc
	ExternalDeps   []string // attachment names read but not written by any subpass here

	pass  *RenderPass
	fb    *Framebuffer
	dirty bool
}

// writesAttachment reports whether any subpass of the node writes (color,
// depth/stencil, or resolve role) the named attachment.
func (n *RenderNode) writesAttachment(name string) bool {
	for _, sp := range n.Subpasses {
		for _, use := range sp.Uses {
			if use.Name != name {
				continue
			}
			switch use.Role {
			case AttachmentColor, AttachmentDepthStencil, AttachmentResolve:
				return true
			}
		}
	}
	return false
}

func (n *RenderNode) readsAttachment(name string) bool {
	for _, dep := range n.ExternalDeps {
		if dep == name {
			return true
		}
	}
	return false
}

// pooledImage is one attachment image kept alive across frames as long
// as its extent/usage/format are unchanged.
type pooledImage struct {
	image *Image
	info  AttachmentInfo
}

// RenderGraph holds an ordered, acyclic set of render nodes, a pool of
// attachment images reused across rebuilds, and the framebuffers bound
// to them. It owns render passes, framebuffers, and pooled attachment
// images; all outlive any single frame.
type RenderGraph struct {
	device    vk.Device
	allocator *MemoryAllocator

	mu          sync.Mutex
	nodes       map[string]*RenderNode
	order       []string
	attachments map[string]AttachmentInfo
	pool        map[string]*pooledImage
	// stale holds pooled attachment images displaced by a format/extent/
	// usage change, kept alive until no longer referenced by any
	// in-flight CommandBuffer (see drainStaleLocked).
	stale []*Image
	dirty bool
}

// NewRenderGraph creates an empty render graph.
func NewRenderGraph(device vk.Device, allocator *MemoryAllocator) *RenderGraph {
	return &RenderGraph{
		device:      device,
		allocator:   allocator,
		nodes:       map[string]*RenderNode{},
		attachments: map[string]AttachmentInfo{},
		pool:        map[string]*pooledImage{},
		dirty:       true,
	}
}

// AssignRenderNode inserts or replaces a node by name and marks the
// graph dirty.
func (g *RenderGraph) AssignRenderNode(node *RenderNode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	node.dirty = true
	g.nodes[node.Name] = node
	g.dirty = true
}

// DeleteRenderNode removes a node by name and marks the graph dirty.
func (g *RenderGraph) DeleteRenderNode(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[name]; ok {
		if n.fb != nil {
			n.fb.Destroy()
		}
		if n.pass != nil {
			n.pass.Destroy()
		}
		delete(g.nodes, name)
		g.dirty = true
	}
}

// SetAttachmentInfo overrides the extent/usage/format for a named
// attachment and marks the graph dirty.
func (g *RenderGraph) SetAttachmentInfo(name string, info AttachmentInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attachments[name] = info
	g.dirty = true
}

// Order returns the last-built topological order of render node names.
func (g *RenderGraph) Order() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Node returns the built RenderNode by name, or nil.
func (g *RenderGraph) Node(name string) *RenderNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nodes[name]
}

// Build performs the dirty-triggered build: materialise render passes,
// resolve attachment images (reusing pooled ones where unchanged),
// rebuild framebuffers, and topologically sort nodes.
func (g *RenderGraph) Build() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drainStaleLocked()
	if !g.dirty {
		return nil
	}

	// Step 1: materialise render passes for nodes lacking one.
	for _, n := range g.nodes {
		if n.pass != nil && !n.dirty {
			continue
		}
		pass, err := NewRenderPass(g.device, n.Attachments, n.Subpasses)
		if err != nil {
			return errors.WithStack(err)
		}
		if n.pass != nil {
			n.pass.Destroy()
		}
		n.pass = pass
	}

	// Step 2+3: resolve attachment images, reusing pooled entries whose
	// extent/usage/format are unchanged.
	attachmentNames := map[string]bool{}
	isDepth := map[string]bool{}
	for _, n := range g.nodes {
		for _, sp := range n.Subpasses {
			for _, use := range sp.Uses {
				attachmentNames[use.Name] = true
				if use.Role == AttachmentDepthStencil {
					isDepth[use.Name] = true
				}
			}
		}
	}

	imageFor := map[string]*Image{}
	replaced := map[string]bool{}
	for name := range attachmentNames {
		info, ok := g.attachments[name]
		if !ok {
			info = defaultAttachmentInfo(isDepth[name])
		}
		existing, ok := g.pool[name]
		if ok && existing.info == info {
			imageFor[name] = existing.image
			continue
		}
		if ok {
			g.stale = append(g.stale, existing.image)
		}
		usage := info.Usage
		img, err := NewImage(g.device, g.allocator, ImageCreateOptions{
			Format:  info.Format,
			Extent:  info.Extent,
			Levels:  1,
			Layers:  1,
			Samples: vk.SampleCount1Bit,
			Usage:   usage,
		})
		if err != nil {
			return err
		}
		g.pool[name] = &pooledImage{image: img, info: info}
		imageFor[name] = img
		replaced[name] = true
	}

	// Step 4: rebuild framebuffers whose attachment set or extents changed.
	for _, n := range g.nodes {
		if n.fb != nil && !n.dirty {
			changed := false
			for _, name := range n.pass.Names {
				changed = changed || replaced[name]
			}
			if !changed {
				continue
			}
		}
		views := make([]vk.ImageView, len(n.pass.Names))
		extents := make([]vk.Extent3D, len(n.pass.Names))
		for i, name := range n.pass.Names {
			img, ok := imageFor[name]
			if !ok {
				return errors.WithStack(&ErrMissingDescriptor{Name: name})
			}
			aspect := vk.ImageAspectFlags(vk.ImageAspectColorBit)
			if isDepth[name] {
				aspect = vk.ImageAspectFlags(vk.ImageAspectDepthBit)
			}
			view, err := img.DefaultView(aspect)
			if err != nil {
				return err
			}
			views[i] = view.Handle()
			extents[i] = img.Extent()
		}
		fb, err := NewFramebuffer(g.device, n.pass, views, extents)
		if err != nil {
			return err
		}
		if n.fb != nil {
			n.fb.Destroy()
		}
		n.fb = fb
		n.dirty = false
	}

	// Step 5: topological sort via Kahn's algorithm — a node with a
	// non-subpass read dependency on an attachment must come after every
	// node that writes that attachment in a color/depth/resolve role.
	inDegree := map[string]int{}
	edges := map[string][]string // writer -> readers
	for name := range g.nodes {
		inDegree[name] = 0
	}
	for _, reader := range g.nodes {
		for _, dep := range reader.ExternalDeps {
			for _, writer := range g.nodes {
				if writer.Name == reader.Name {
					continue
				}
				if writer.writesAttachment(dep) {
					edges[writer.Name] = append(edges[writer.Name], reader.Name)
					inDegree[reader.Name]++
				}
			}
		}
	}

	var queue []string
	for name, d := range inDegree {
		if d == 0 {
			queue = append(queue, name)
		}
	}
	var order []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, next := range edges[name] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(g.nodes) {
		var remaining []string
		for name, d := range inDegree {
			if d > 0 {
				remaining = append(remaining, name)
			}
		}
		return errors.WithStack(&ErrRenderGraphCycle{Nodes: remaining})
	}

	g.order = order
	g.dirty = false
	return nil
}

// drainStaleLocked destroys displaced pooled attachment images that are no
// longer referenced by any in-flight CommandBuffer, per the deferred-release
// step of resolving attachment images. Callers must hold g.mu.
func (g *RenderGraph) drainStaleLocked() {
	remaining := g.stale[:0]
	for _, img := range g.stale {
		if img.InUse() {
			remaining = append(remaining, img)
			continue
		}
		img.Destroy()
	}
	g.stale = remaining
}

// DrainStaleAttachments destroys any displaced pooled attachment images
// that have since finished draining out of in-flight use. Build also calls
// this on every rebuild; callers that never dirty the graph again (e.g. a
// steady-state render loop after a one-time resize) can call it directly to
// reclaim memory without forcing a rebuild.
func (g *RenderGraph) DrainStaleAttachments() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drainStaleLocked()
}

// Destroy destroys every owned render pass, framebuffer, and pooled
// attachment image, including any still-pending stale ones.
func (g *RenderGraph) Destroy() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		if n.fb != nil {
			n.fb.Destroy()
		}
		if n.pass != nil {
			n.pass.Destroy()
		}
	}
	for _, p := range g.pool {
		p.image.Destroy()
	}
	for _, img := range g.stale {
		img.Destroy()
	}
	g.stale = nil
}
