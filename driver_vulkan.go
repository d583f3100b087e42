//go:build cgo && !novulkan

package vkrt

// Register the system Vulkan driver.
import _ "github.com/gogpu/vkrt/internal/driver/vulkan"
