// Package vkrt runs compute kernels on Vulkan-class accelerators with
// little ceremony.
//
// # Overview
//
// vkrt sequences the bring-up an explicit GPU API requires (instance,
// physical device, logical device, memory types, command pool, descriptor
// layout, pipeline, descriptor set, recording, submission, wait) behind a
// handful of objects:
//
//   - Context: the driver instance and the accelerators it found
//   - Device: one accelerator with a compute queue
//   - Buffer: a storage buffer, mappable or device-local
//   - Program: a SPIR-V module
//   - Kernel: an entry point of a Program with its slot layout and pipeline
//   - Arguments: buffers bound to the slots of a Kernel
//   - CommandBuffer: recorded binds, dispatches, barriers and copies
//
// # Quick Start
//
//	ctx, err := vkrt.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctx.Close()
//	dev, _ := ctx.Device(0)
//
//	buf, _ := vkrt.NewBuffer(dev, 4*n, true)
//	_ = vkrt.Upload(buf, input)
//
//	prog, _ := vkrt.NewProgramFromFile(dev, "double.spv")
//	k, _ := vkrt.NewKernel(prog, "main", vkrt.StorageBuffer)
//	args, _ := vkrt.NewArguments(k, buf)
//
//	cb, _ := vkrt.NewKernelCommandBuffer(dev, k, args)
//	_ = cb.Dispatch(n/64, 1, 1)
//	_ = cb.End()
//	_, _ = dev.Execute(cb)
//
//	out, _ := vkrt.Download[float32](buf)
//
// # Ownership
//
// Every object has a Destroy method and must not outlive the Device it was
// created from. Destroy objects in reverse order of creation. A Device
// releases whatever is still alive when it is destroyed, and Context.Close
// destroys every Device, so a deferred Close is enough to avoid leaks.
// Constructors release their partial state when they fail.
//
// # Backends
//
// The driver backend is chosen with WithBackend or the VKRT_BACKEND
// environment variable:
//
//   - vulkan: the system Vulkan loader, through cgo (excluded by the
//     novulkan build tag)
//   - wgpu: the pure Go gogpu/wgpu HAL
//   - soft: a CPU driver that runs Go functions registered per entry
//     point, for tests (excluded by the nosoft build tag)
//
// # Diagnostics
//
// ModeVerbose logs layers and device properties and forwards validation
// messages to the diagnostic sink; ModeProfile logs the duration of
// Device.Execute. Logging goes through log/slog; see SetLogger.
package vkrt
