package core

import vk "github.com/vulkan-go/vulkan"

// Sampler is an immutable wrapper over a vk.Sampler.
type Sampler struct {
	device vk.Device
	handle vk.Sampler
}

// SamplerCreateOptions groups the parameters of NewSampler.
type SamplerCreateOptions struct {
	MagFilter, MinFilter    vk.Filter
	MipmapMode              vk.SamplerMipmapMode
	AddressModeU            vk.SamplerAddressMode
	AddressModeV            vk.SamplerAddressMode
	AddressModeW            vk.SamplerAddressMode
	MaxAnisotropy           float32
	AnisotropyEnable        bool
	MinLod, MaxLod          float32
	BorderColor             vk.BorderColor
}

// NewSampler creates a sampler from the given options.
func NewSampler(device vk.Device, opts SamplerCreateOptions) (*Sampler, error) {
	anisotropyEnable := vk.False
	if opts.AnisotropyEnable {
		anisotropyEnable = vk.True
	}
	info := vk.SamplerCreateInfo{
		SType:                   vk.StructureTypeSamplerCreateInfo,
		MagFilter:               opts.MagFilter,
		MinFilter:               opts.MinFilter,
		MipmapMode:              opts.MipmapMode,
		AddressModeU:            opts.AddressModeU,
		AddressModeV:            opts.AddressModeV,
		AddressModeW:            opts.AddressModeW,
		AnisotropyEnable:        vk.Bool32(anisotropyEnable),
		MaxAnisotropy:           opts.MaxAnisotropy,
		MinLod:                  opts.MinLod,
		MaxLod:                  opts.MaxLod,
		BorderColor:             opts.BorderColor,
	}
	var handle vk.Sampler
	if err := checkResult("vkCreateSampler", vk.CreateSampler(device, &info, nil, &handle)); err != nil {
		return nil, err
	}
	return &Sampler{device: device, handle: handle}, nil
}

// Handle returns the underlying vk.Sampler.
func (s *Sampler) Handle() vk.Sampler { return s.handle }

// Destroy destroys the sampler.
func (s *Sampler) Destroy() { vk.DestroySampler(s.device, s.handle, nil) }
