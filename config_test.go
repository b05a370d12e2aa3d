package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, 1280, cfg.Width)
	assert.Equal(t, 720, cfg.Height)
	assert.False(t, cfg.Fullscreen)
	assert.False(t, cfg.NoPipelineCache)
	assert.Empty(t, cfg.ValidationLayers)
}

func TestParseConfigRepeatableFlags(t *testing.T) {
	cfg, err := ParseConfig([]string{
		"-instanceExtension", "VK_KHR_surface",
		"-instanceExtension", "VK_KHR_xcb_surface",
		"-deviceExtension", "VK_KHR_swapchain",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"VK_KHR_surface", "VK_KHR_xcb_surface"}, cfg.InstanceExtensions)
	assert.Equal(t, []string{"VK_KHR_swapchain"}, cfg.DeviceExtensions)
}

func TestParseConfigDebugMessengerEnablesValidationLayer(t *testing.T) {
	cfg, err := ParseConfig([]string{"-debugMessenger"})
	require.NoError(t, err)
	assert.True(t, cfg.DebugMessenger)
	assert.Contains(t, cfg.ValidationLayers, "VK_LAYER_KHRONOS_validation")
}

func TestParseConfigNoPipelineCacheFlag(t *testing.T) {
	cfg, err := ParseConfig([]string{"-no-pipeline-cache"})
	require.NoError(t, err)
	assert.True(t, cfg.NoPipelineCache)
}

func TestParseConfigRejectsUnknownFlag(t *testing.T) {
	_, err := ParseConfig([]string{"-not-a-real-flag"})
	assert.Error(t, err)
}
