// Package core implements the device/memory/command/pipeline/render-pass
// layer of a Vulkan rendering engine.
package core

import (
	"fmt"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

// ErrOutOfDeviceMemory is returned when the allocator cannot satisfy a
// memory request: no compatible memory type, or the underlying
// vkAllocateMemory call failed.
type ErrOutOfDeviceMemory struct {
	Requested      vk.DeviceSize
	MemoryTypeBits uint32
}

func (e *ErrOutOfDeviceMemory) Error() string {
	return fmt.Sprintf("out of device memory: requested %d bytes, type bits 0x%x", e.Requested, e.MemoryTypeBits)
}

// ErrUnsupportedFormat is returned when a requested image format is not
// supported for the requested usage/tiling combination.
type ErrUnsupportedFormat struct {
	Format vk.Format
}

func (e *ErrUnsupportedFormat) Error() string {
	return fmt.Sprintf("unsupported format: %v", e.Format)
}

// ErrUnsupportedUsage is returned when an operation requires usage flags
// the resource was not created with (e.g. mipmap generation without
// TransferSrc|TransferDst).
type ErrUnsupportedUsage struct {
	Have, Need vk.ImageUsageFlags
}

func (e *ErrUnsupportedUsage) Error() string {
	return fmt.Sprintf("unsupported usage: have 0x%x, need 0x%x", e.Have, e.Need)
}

// ErrInvalidSubresource is returned when a requested subresource range
// exceeds an image's layers/levels.
type ErrInvalidSubresource struct {
	Aspect           vk.ImageAspectFlags
	BaseLayer, Layer uint32
	BaseLevel, Level uint32
}

func (e *ErrInvalidSubresource) Error() string {
	return fmt.Sprintf("invalid subresource: aspect 0x%x layer %d/%d level %d/%d",
		e.Aspect, e.BaseLayer, e.Layer, e.BaseLevel, e.Level)
}

// ErrLayoutMismatch is returned when shader-stage reflections disagree on
// a descriptor type/count, or a named push constant disagrees on
// offset/size across stages.
type ErrLayoutMismatch struct {
	Name   string
	Reason string
}

func (e *ErrLayoutMismatch) Error() string {
	return fmt.Sprintf("layout mismatch for %q: %s", e.Name, e.Reason)
}

// ErrMissingDescriptor is returned when a push constant or descriptor
// named at bind time is not present in any bound shader stage. It is also
// returned when a subpass names an attachment that has no AttachmentDesc
// (NewRenderPass) or no attachment image (RenderGraph.Build).
type ErrMissingDescriptor struct {
	Name string
}

func (e *ErrMissingDescriptor) Error() string {
	return fmt.Sprintf("no descriptor or push constant named %q in bound pipeline", e.Name)
}

// ErrFileIO is returned when a shader, manifest, or pipeline-cache file is
// missing or cannot be read.
type ErrFileIO struct {
	Path string
	Err  error
}

func (e *ErrFileIO) Error() string { return fmt.Sprintf("file io %q: %v", e.Path, e.Err) }
func (e *ErrFileIO) Unwrap() error { return e.Err }

// ErrReflectionParse is returned when a shader reflection manifest does
// not match the documented JSON schema. NewFramebuffer also returns it
// when its views and extents differ in length.
type ErrReflectionParse struct {
	Reason string
}

func (e *ErrReflectionParse) Error() string { return fmt.Sprintf("reflection manifest: %s", e.Reason) }

// CommandBufferState enumerates the states a CommandBuffer can be in.
type CommandBufferState int

const (
	CommandBufferRecording CommandBufferState = iota
	CommandBufferInFlight
	CommandBufferDone
)

func (s CommandBufferState) String() string {
	switch s {
	case CommandBufferRecording:
		return "Recording"
	case CommandBufferInFlight:
		return "InFlight"
	case CommandBufferDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// ErrWrongState is returned when an operation is attempted against a
// CommandBuffer in a state that forbids it.
type ErrWrongState struct {
	Have, Want CommandBufferState
	Op         string
}

func (e *ErrWrongState) Error() string {
	return fmt.Sprintf("%s: command buffer is %s, want %s", e.Op, e.Have, e.Want)
}

// ErrNotRecording is returned when a recording-only operation is
// attempted outside the Recording state.
type ErrNotRecording struct{ Op string }

func (e *ErrNotRecording) Error() string { return fmt.Sprintf("%s: command buffer is not recording", e.Op) }

// ErrNotInRenderPass is returned when a command is issued in the wrong
// render-pass state: a render-pass-scoped command outside a begin/end
// render pass pair, or BeginRenderPass/End while a render pass is still
// open. Op names the call and, for the latter, the open pass.
type ErrNotInRenderPass struct{ Op string }

func (e *ErrNotInRenderPass) Error() string {
	return fmt.Sprintf("%s: wrong render pass state for this command", e.Op)
}

// ErrNoSuitableQueueFamily is returned when no queue family on the
// physical device advertises the requested flags.
type ErrNoSuitableQueueFamily struct {
	Want vk.QueueFlags
}

func (e *ErrNoSuitableQueueFamily) Error() string {
	return fmt.Sprintf("no queue family supports flags 0x%x", e.Want)
}

// VulkanError wraps a non-success vk.Result returned directly from the
// Vulkan API.
type VulkanError struct {
	Result vk.Result
	Call   string
}

func (e *VulkanError) Error() string {
	return fmt.Sprintf("%s: %s", e.Call, vk.Error(e.Result).Error())
}

// checkResult converts a non-vk.Success result from `call` into a
// *VulkanError wrapped with a stack trace, or returns nil.
func checkResult(call string, result vk.Result) error {
	if result != vk.Success {
		return errors.WithStack(&VulkanError{Result: result, Call: call})
	}
	return nil
}
