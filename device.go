package core

import (
	"sync"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

// OwnerID identifies the logical thread of execution that owns a command
// pool. Go has no supported API for inspecting goroutine identity, so
// callers mint and hold their own token (typically one per worker
// goroutine) and pass it on every CommandBuffer request.
type OwnerID uint64

// QueueFamily is one physical queue family's properties plus its pool of
// command pools, one per OwnerID that has requested a command buffer from
// it. Command recording on a single command buffer is single-threaded by
// contract; a command pool must never be touched by two goroutines at once.
type QueueFamily struct {
	Index      uint32
	Flags      vk.QueueFlags
	QueueCount uint32

	mu    sync.Mutex
	pools map[OwnerID]vk.CommandPool
}

func (qf *QueueFamily) poolFor(device vk.Device, owner OwnerID) (vk.CommandPool, error) {
	qf.mu.Lock()
	defer qf.mu.Unlock()
	if pool, ok := qf.pools[owner]; ok {
		return pool, nil
	}
	info := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
		QueueFamilyIndex: qf.Index,
	}
	var pool vk.CommandPool
	if err := checkResult("vkCreateCommandPool", vk.CreateCommandPool(device, &info, nil, &pool)); err != nil {
		return nil, err
	}
	qf.pools[owner] = pool
	return pool, nil
}

func (qf *QueueFamily) destroy(device vk.Device) {
	qf.mu.Lock()
	defer qf.mu.Unlock()
	for _, pool := range qf.pools {
		vk.DestroyCommandPool(device, pool, nil)
	}
	qf.pools = map[OwnerID]vk.CommandPool{}
}

// bufferPoolKey buckets recycled buffers by the parameters that must match
// exactly for a pooled buffer to be reusable.
type bufferPoolKey struct {
	size       vk.DeviceSize
	usage      vk.BufferUsageFlags
	properties vk.MemoryPropertyFlags
}

// imagePoolKey buckets recycled images the same way.
type imagePoolKey struct {
	format  vk.Format
	width   uint32
	height  uint32
	depth   uint32
	levels  uint32
	layers  uint32
	samples vk.SampleCountFlagBits
	usage   vk.ImageUsageFlags
}

// Device is the logical-device pool and executor: it owns the memory
// allocator, pipeline cache, descriptor pool, and the per-queue-family
// command pool map, vends pooled Buffer/Image/DescriptorSet/Fence/
// Semaphore objects for reuse across frames, and submits and reaps
// command buffers.
type Device struct {
	Handle   vk.Device
	Physical vk.PhysicalDevice

	Allocator      *MemoryAllocator
	PipelineCache  *PipelineCache
	DescriptorPool *DescriptorPool

	queueFamilies map[uint32]*QueueFamily
	queues        map[uint32]vk.Queue

	mu         sync.Mutex
	bufferPool map[bufferPoolKey][]*Buffer
	imagePool  map[imagePoolKey][]*Image
	descPool   map[*DescriptorSetLayout][]*DescriptorSet

	fenceMu    sync.Mutex
	freeFences []vk.Fence
	freeSems   []vk.Semaphore

	inFlightMu sync.Mutex
	inFlight   map[vk.Fence]*CommandBuffer
}

// QueueRequest asks for one queue from the family advertising all of
// wantFlags, with the given priority.
type QueueRequest struct {
	Want     vk.QueueFlags
	Priority float32
}

// NewDevice selects queue families satisfying each request (a family may
// satisfy more than one request; at most one queue per distinct family is
// created), creates the logical device and its pools, and returns it.
func NewDevice(physical vk.PhysicalDevice, requests []QueueRequest, deviceExtensions []string, descriptorPoolMax uint32, descriptorPoolSizes map[vk.DescriptorType]uint32, pipelineCacheData []byte) (*Device, error) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(physical, &count, nil)
	props := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(physical, &count, props)
	for i := range props {
		props[i].Deref()
	}

	familyIndexFor := func(want vk.QueueFlags) (uint32, bool) {
		for i, p := range props {
			if vk.QueueFlags(p.QueueFlags)&want == want {
				return uint32(i), true
			}
		}
		return 0, false
	}

	uniqueFamilies := map[uint32]float32{}
	for _, req := range requests {
		idx, ok := familyIndexFor(req.Want)
		if !ok {
			return nil, errors.WithStack(&ErrNoSuitableQueueFamily{Want: req.Want})
		}
		if req.Priority > uniqueFamilies[idx] {
			uniqueFamilies[idx] = req.Priority
		}
	}

	var queueInfos []vk.DeviceQueueCreateInfo
	for idx, priority := range uniqueFamilies {
		if priority == 0 {
			priority = 1.0
		}
		queueInfos = append(queueInfos, vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: idx,
			QueueCount:       1,
			PQueuePriorities: []float32{priority},
		})
	}

	extNames := make([]string, len(deviceExtensions))
	for i, e := range deviceExtensions {
		extNames[i] = e + "\x00"
	}

	var features vk.PhysicalDeviceFeatures
	vk.GetPhysicalDeviceFeatures(physical, &features)
	features.Deref()

	info := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		EnabledExtensionCount:   uint32(len(extNames)),
		PpEnabledExtensionNames: extNames,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{features},
	}

	var handle vk.Device
	if err := checkResult("vkCreateDevice", vk.CreateDevice(physical, &info, nil, &handle)); err != nil {
		return nil, err
	}

	allocator := NewMemoryAllocator(handle, physical)
	pipelineCache, err := NewPipelineCache(handle, pipelineCacheData)
	if err != nil {
		allocator.Destroy()
		vk.DestroyDevice(handle, nil)
		return nil, err
	}
	descPool, err := NewDescriptorPool(handle, descriptorPoolMax, descriptorPoolSizes)
	if err != nil {
		pipelineCache.Destroy()
		allocator.Destroy()
		vk.DestroyDevice(handle, nil)
		return nil, err
	}

	d := &Device{
		Handle:         handle,
		Physical:       physical,
		Allocator:      allocator,
		PipelineCache:  pipelineCache,
		DescriptorPool: descPool,
		queueFamilies:  map[uint32]*QueueFamily{},
		queues:         map[uint32]vk.Queue{},
		bufferPool:     map[bufferPoolKey][]*Buffer{},
		imagePool:      map[imagePoolKey][]*Image{},
		descPool:       map[*DescriptorSetLayout][]*DescriptorSet{},
		inFlight:       map[vk.Fence]*CommandBuffer{},
	}
	for idx := range uniqueFamilies {
		var queue vk.Queue
		vk.GetDeviceQueue(handle, idx, 0, &queue)
		d.queues[idx] = queue
		props[idx].Deref()
		d.queueFamilies[idx] = &QueueFamily{
			Index:      idx,
			Flags:      vk.QueueFlags(props[idx].QueueFlags),
			QueueCount: props[idx].QueueCount,
			pools:      map[OwnerID]vk.CommandPool{},
		}
	}
	Logger().Info("device created", "queueFamilies", len(d.queueFamilies))
	return d, nil
}

// QueueFamilyByFlags returns the first created queue family advertising all
// of want, or nil.
func (d *Device) QueueFamilyByFlags(want vk.QueueFlags) *QueueFamily {
	var first *QueueFamily
	for _, qf := range d.queueFamilies {
		if qf.Flags&want == want && (first == nil || qf.Index < first.Index) {
			first = qf
		}
	}
	return first
}

// Queue returns the vk.Queue created for a given family index.
func (d *Device) Queue(familyIndex uint32) vk.Queue { return d.queues[familyIndex] }

// AcquireCommandBuffer returns a pooled command buffer from owner's pool in
// the given queue family, allocating the pool on first use by that owner.
func (d *Device) AcquireCommandBuffer(qf *QueueFamily, owner OwnerID) (*CommandBuffer, error) {
	pool, err := qf.poolFor(d.Handle, owner)
	if err != nil {
		return nil, err
	}
	return NewCommandBuffer(d.Handle, pool)
}

// Submit marks cb in-flight, submits it with an acquired (or freshly
// created) fence and the given wait/signal semaphores, and remembers the
// fence so a later Reap can return the command buffer's held resources.
func (d *Device) Submit(queueFamilyIndex uint32, cb *CommandBuffer, waitSemaphores []vk.Semaphore, waitStages []vk.PipelineStageFlags, signalSemaphores []vk.Semaphore) error {
	queue, ok := d.queues[queueFamilyIndex]
	if !ok {
		return errors.WithStack(&ErrNoSuitableQueueFamily{})
	}

	fence, err := d.acquireFence()
	if err != nil {
		return err
	}

	cb.markSubmitted()

	handle := cb.Handle()
	submit := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{handle},
	}
	if len(waitSemaphores) > 0 {
		submit.WaitSemaphoreCount = uint32(len(waitSemaphores))
		submit.PWaitSemaphores = waitSemaphores
		submit.PWaitDstStageMask = waitStages
	}
	if len(signalSemaphores) > 0 {
		submit.SignalSemaphoreCount = uint32(len(signalSemaphores))
		submit.PSignalSemaphores = signalSemaphores
	}

	if err := checkResult("vkQueueSubmit", vk.QueueSubmit(queue, 1, []vk.SubmitInfo{submit}, fence)); err != nil {
		return err
	}

	d.inFlightMu.Lock()
	d.inFlight[fence] = cb
	d.inFlightMu.Unlock()
	return nil
}

// Reap waits up to timeoutNanos for at least one outstanding submission
// fence to signal (no wait when timeoutNanos is 0), then polls every
// outstanding fence; any that are signaled have their command buffer reaped (releasing tracked
// resource references and returning the command buffer state to Done) and
// their fence returned to the free-fence pool.
func (d *Device) Reap(timeoutNanos uint64) error {
	d.inFlightMu.Lock()
	fences := make([]vk.Fence, 0, len(d.inFlight))
	for f := range d.inFlight {
		fences = append(fences, f)
	}
	d.inFlightMu.Unlock()

	if len(fences) > 0 && timeoutNanos > 0 {
		result := vk.WaitForFences(d.Handle, uint32(len(fences)), fences, vk.False, timeoutNanos)
		if result != vk.Timeout {
			if err := checkResult("vkWaitForFences", result); err != nil {
				return err
			}
		}
	}

	var done []vk.Fence
	for _, f := range fences {
		result := vk.GetFenceStatus(d.Handle, f)
		if result == vk.Success {
			done = append(done, f)
			continue
		}
		if result != vk.NotReady {
			if err := checkResult("vkGetFenceStatus", result); err != nil {
				return err
			}
		}
	}

	if len(done) == 0 {
		return nil
	}

	if err := checkResult("vkResetFences", vk.ResetFences(d.Handle, uint32(len(done)), done)); err != nil {
		return err
	}

	d.inFlightMu.Lock()
	for _, f := range done {
		if cb, ok := d.inFlight[f]; ok {
			cb.reap()
			delete(d.inFlight, f)
		}
	}
	d.inFlightMu.Unlock()

	d.releaseFences(done)
	return nil
}

func (d *Device) acquireFence() (vk.Fence, error) {
	d.fenceMu.Lock()
	if n := len(d.freeFences); n > 0 {
		f := d.freeFences[n-1]
		d.freeFences = d.freeFences[:n-1]
		d.fenceMu.Unlock()
		return f, nil
	}
	d.fenceMu.Unlock()

	info := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	var fence vk.Fence
	if err := checkResult("vkCreateFence", vk.CreateFence(d.Handle, &info, nil, &fence)); err != nil {
		return nil, err
	}
	return fence, nil
}

func (d *Device) releaseFences(fences []vk.Fence) {
	d.fenceMu.Lock()
	defer d.fenceMu.Unlock()
	d.freeFences = append(d.freeFences, fences...)
}

// AcquireSemaphore returns a pooled semaphore, creating one if the pool is
// empty.
func (d *Device) AcquireSemaphore() (vk.Semaphore, error) {
	d.fenceMu.Lock()
	if n := len(d.freeSems); n > 0 {
		s := d.freeSems[n-1]
		d.freeSems = d.freeSems[:n-1]
		d.fenceMu.Unlock()
		return s, nil
	}
	d.fenceMu.Unlock()

	info := vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
	var sem vk.Semaphore
	if err := checkResult("vkCreateSemaphore", vk.CreateSemaphore(d.Handle, &info, nil, &sem)); err != nil {
		return nil, err
	}
	return sem, nil
}

// ReleaseSemaphore returns a semaphore to the pool for reuse. The caller
// must guarantee it is no longer waited on or signaled by any pending
// submission.
func (d *Device) ReleaseSemaphore(s vk.Semaphore) {
	d.fenceMu.Lock()
	defer d.fenceMu.Unlock()
	d.freeSems = append(d.freeSems, s)
}

// AcquireBuffer returns a pooled buffer matching (size, usage, properties)
// exactly, or allocates a new one.
func (d *Device) AcquireBuffer(size vk.DeviceSize, usage vk.BufferUsageFlags, properties vk.MemoryPropertyFlags) (*Buffer, error) {
	key := bufferPoolKey{size: size, usage: usage, properties: properties}
	d.mu.Lock()
	if list := d.bufferPool[key]; len(list) > 0 {
		b := list[len(list)-1]
		d.bufferPool[key] = list[:len(list)-1]
		d.mu.Unlock()
		return b, nil
	}
	d.mu.Unlock()
	b, err := NewBuffer(d.Handle, d.Allocator, size, usage, properties)
	if err != nil {
		return nil, err
	}
	b.releaser = func() { d.ReleaseBuffer(b, size, usage, properties) }
	return b, nil
}

// ReleaseBuffer returns a buffer to its pool. The caller must guarantee no
// command buffer still tracks it as in-use.
func (d *Device) ReleaseBuffer(b *Buffer, size vk.DeviceSize, usage vk.BufferUsageFlags, properties vk.MemoryPropertyFlags) {
	key := bufferPoolKey{size: size, usage: usage, properties: properties}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bufferPool[key] = append(d.bufferPool[key], b)
}

// AcquireImage returns a pooled image matching opts exactly, or allocates
// a new one.
func (d *Device) AcquireImage(opts ImageCreateOptions) (*Image, error) {
	key := imagePoolKey{
		format: opts.Format, width: opts.Extent.Width, height: opts.Extent.Height, depth: opts.Extent.Depth,
		levels: opts.Levels, layers: opts.Layers, samples: opts.Samples, usage: opts.Usage,
	}
	d.mu.Lock()
	if list := d.imagePool[key]; len(list) > 0 {
		img := list[len(list)-1]
		d.imagePool[key] = list[:len(list)-1]
		d.mu.Unlock()
		return img, nil
	}
	d.mu.Unlock()
	img, err := NewImage(d.Handle, d.Allocator, opts)
	if err != nil {
		return nil, err
	}
	img.releaser = func() { d.ReleaseImage(img, opts) }
	return img, nil
}

// ReleaseImage returns an image to its pool under the key it was acquired
// with.
func (d *Device) ReleaseImage(img *Image, opts ImageCreateOptions) {
	key := imagePoolKey{
		format: opts.Format, width: opts.Extent.Width, height: opts.Extent.Height, depth: opts.Extent.Depth,
		levels: opts.Levels, layers: opts.Layers, samples: opts.Samples, usage: opts.Usage,
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.imagePool[key] = append(d.imagePool[key], img)
}

// AcquireDescriptorSet returns a pooled descriptor set previously released
// under the same layout, or allocates a fresh one from DescriptorPool.
func (d *Device) AcquireDescriptorSet(layout *DescriptorSetLayout) (*DescriptorSet, error) {
	d.mu.Lock()
	if list := d.descPool[layout]; len(list) > 0 {
		ds := list[len(list)-1]
		d.descPool[layout] = list[:len(list)-1]
		d.mu.Unlock()
		return ds, nil
	}
	d.mu.Unlock()
	ds, err := AllocateDescriptorSet(d.Handle, d.DescriptorPool, layout)
	if err != nil {
		return nil, err
	}
	ds.releaser = func() { d.ReleaseDescriptorSet(layout, ds) }
	return ds, nil
}

// ReleaseDescriptorSet returns a descriptor set to its pool. The caller
// must guarantee no command buffer still tracks it as in-use; pending
// writes are not cleared, so the next acquirer must overwrite every
// binding it relies on.
func (d *Device) ReleaseDescriptorSet(layout *DescriptorSetLayout, ds *DescriptorSet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.descPool[layout] = append(d.descPool[layout], ds)
}

// WaitIdle blocks until all queues on the device are idle.
func (d *Device) WaitIdle() error {
	return checkResult("vkDeviceWaitIdle", vk.DeviceWaitIdle(d.Handle))
}

// Destroy waits for the device to go idle, then destroys every owned pool,
// queue-family command pool, pooled fence/semaphore, the pipeline cache,
// descriptor pool, memory allocator, and finally the logical device
// itself. Pooled buffers/images/descriptor sets are not destroyed here;
// callers that still hold references to them are responsible for that.
func (d *Device) Destroy() {
	_ = d.WaitIdle()
	for _, qf := range d.queueFamilies {
		qf.destroy(d.Handle)
	}
	for _, f := range d.freeFences {
		vk.DestroyFence(d.Handle, f, nil)
	}
	for _, s := range d.freeSems {
		vk.DestroySemaphore(d.Handle, s, nil)
	}
	for f := range d.inFlight {
		vk.DestroyFence(d.Handle, f, nil)
	}
	d.DescriptorPool.Destroy()
	d.PipelineCache.Destroy()
	d.Allocator.Destroy()
	vk.DestroyDevice(d.Handle, nil)
}
