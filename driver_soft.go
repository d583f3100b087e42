//go:build !nosoft

package vkrt

// Register the software driver.
import _ "github.com/gogpu/vkrt/internal/driver/soft"
