package core

import "sync"

// tracking is embedded in every poolable/trackable resource (Buffer, Image,
// DescriptorSet). It records, via weak references, which CommandBuffers
// currently hold this resource — the reverse direction of a CommandBuffer's
// own held-resource set. Holding a *cbToken per CommandBuffer instead of
// the CommandBuffer itself avoids the strong reference cycle the original
// engine's back-pointer scheme would otherwise create between a resource
// and its holders.
type tracking struct {
	mu      sync.Mutex
	holders map[*cbToken]struct{}
}

// cbToken is the weak handle a CommandBuffer publishes to resources it
// holds. The CommandBuffer sets its token's alive flag to false on reap,
// after which InUse treats the token as dead without needing to dereference the
// CommandBuffer itself.
type cbToken struct {
	alive bool
}

func (t *tracking) track(tok *cbToken) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.holders == nil {
		t.holders = make(map[*cbToken]struct{})
	}
	t.holders[tok] = struct{}{}
}

// InUse reports whether any command buffer still holding this resource is
// alive, lazily dropping dead entries as it scans.
func (t *tracking) InUse() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	inUse := false
	for tok := range t.holders {
		if !tok.alive {
			delete(t.holders, tok)
			continue
		}
		inUse = true
	}
	return inUse
}
