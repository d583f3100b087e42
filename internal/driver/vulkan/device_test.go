//go:build cgo && !novulkan

package vulkan

import (
	"testing"

	vk "github.com/vulkan-go/vulkan"
)

func TestBarrierCoversComputeAndTransfer(t *testing.T) {
	if barrierMemory.SType != vk.StructureTypeMemoryBarrier {
		t.Errorf("SType = %v, want StructureTypeMemoryBarrier", barrierMemory.SType)
	}

	tests := []struct {
		name string
		got  vk.AccessFlags
		want vk.AccessFlagBits
	}{
		{"src shader write", barrierMemory.SrcAccessMask, vk.AccessShaderWriteBit},
		{"src transfer write", barrierMemory.SrcAccessMask, vk.AccessTransferWriteBit},
		{"dst shader read", barrierMemory.DstAccessMask, vk.AccessShaderReadBit},
		{"dst shader write", barrierMemory.DstAccessMask, vk.AccessShaderWriteBit},
		{"dst transfer read", barrierMemory.DstAccessMask, vk.AccessTransferReadBit},
		{"dst transfer write", barrierMemory.DstAccessMask, vk.AccessTransferWriteBit},
	}
	for _, tt := range tests {
		if tt.got&vk.AccessFlags(tt.want) == 0 {
			t.Errorf("%s: mask %#x lacks %#x", tt.name, tt.got, tt.want)
		}
	}

	for _, stage := range []vk.PipelineStageFlagBits{vk.PipelineStageComputeShaderBit, vk.PipelineStageTransferBit} {
		if barrierStages&vk.PipelineStageFlags(stage) == 0 {
			t.Errorf("barrier stages %#x lack %#x", barrierStages, stage)
		}
	}
}
