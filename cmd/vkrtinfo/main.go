// Command vkrtinfo lists the compute accelerators vkrt can use and,
// optionally, runs a small kernel on each of them.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/gogpu/vkrt"
	"github.com/gogpu/vkrt/internal/driver/soft"
)

const doubleWGSL = `
@group(0) @binding(0) var<storage, read_write> data: array<f32>;

@compute @workgroup_size(64)
fn doubleMe(@builtin(global_invocation_id) id: vec3<u32>) {
    if (id.x < arrayLength(&data)) {
        data[id.x] = data[id.x] * 2.0;
    }
}
`

func main() {
	var (
		backend    = flag.String("backend", "", "driver backend: vulkan, wgpu or soft (default: first available)")
		mode       = flag.String("mode", "", "diagnostics mode: none, verbose, profile or all")
		extensions = flag.Bool("extensions", false, "list device extensions")
		selftest   = flag.Int("selftest", 0, "run a doubling kernel over this many floats on every device")
		debug      = flag.Bool("debug", false, "log at debug level to stderr")
	)
	flag.Parse()

	opts := []vkrt.Option{vkrt.WithApplicationName("vkrtinfo")}
	if *backend != "" {
		opts = append(opts, vkrt.WithBackend(*backend))
	}
	if *mode != "" {
		m, err := vkrt.ParseMode(*mode)
		if err != nil {
			log.Fatal(err)
		}
		opts = append(opts, vkrt.WithMode(m))
	}
	if *debug {
		vkrt.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	soft.RegisterKernel("doubleMe", func(inv *soft.Invocation) {
		data := soft.View[float32](inv.Binding(0))
		if i := inv.GlobalID[0]; int(i) < len(data) {
			data[i] *= 2
		}
	})

	ctx, err := vkrt.New(opts...)
	if err != nil {
		log.Fatalf("vkrtinfo: %v", err)
	}
	defer ctx.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	printLayers(w, ctx)
	for i, d := range ctx.Devices() {
		printDevice(w, i, d, *extensions)
	}
	if err := w.Flush(); err != nil {
		log.Fatal(err)
	}

	if *selftest > 0 {
		for i, d := range ctx.Devices() {
			if err := runSelftest(d, *selftest); err != nil {
				log.Printf("device %d (%s): selftest failed: %v", i, d.Name(), err)
			}
		}
	}
}

func printLayers(w io.Writer, ctx *vkrt.Context) {
	layers, err := ctx.Layers()
	if err != nil {
		fmt.Fprintf(w, "layers:\t%v\n", err)
		return
	}
	fmt.Fprintf(w, "backend:\t%s\nlayers:\t%d\n", ctx.Backend(), len(layers))
	for _, l := range layers {
		fmt.Fprintf(w, "  %s\t%s\tspec %s\timpl %d\n", l.Name, l.Description, l.SpecVersion, l.ImplementationVersion)
	}
}

func printDevice(w io.Writer, index int, d *vkrt.Device, extensions bool) {
	p := d.Properties()
	fmt.Fprintf(w, "\ndevice %d:\t%s\n", index, p.Name)
	fmt.Fprintf(w, "  type\t%s\n", p.Type)
	fmt.Fprintf(w, "  vendor / device\t%#04x / %#04x\n", p.VendorID, p.DeviceID)
	fmt.Fprintf(w, "  driver / api\t%s / %s\n", p.DriverVersion, p.APIVersion)
	fmt.Fprintf(w, "  max workgroup count\t%v\n", p.MaxWorkGroupCount)
	fmt.Fprintf(w, "  max workgroup size\t%v (%d invocations)\n", p.MaxWorkGroupSize, p.MaxWorkGroupInvocations)
	fmt.Fprintf(w, "  max storage buffer\t%s\n", humanize.IBytes(uint64(p.MaxStorageBufferRange)))

	fmt.Fprintf(w, "  queue families\t\n")
	for _, f := range d.QueueFamilies() {
		mark := ""
		if uint32(f.Index) == d.QueueFamily() {
			mark = " (used)"
		}
		fmt.Fprintf(w, "    %d\t%s x%d%s\n", f.Index, f.Flags, f.Count, mark)
	}

	fmt.Fprintf(w, "  memory types\t\n")
	for _, mt := range d.MemoryTypes() {
		var roles []string
		if mt.Index == d.MappableMemoryType() {
			roles = append(roles, "mappable")
		}
		if mt.Index == d.LocalMemoryType() {
			roles = append(roles, "local")
		}
		role := ""
		if len(roles) > 0 {
			role = " (" + strings.Join(roles, ", ") + ")"
		}
		fmt.Fprintf(w, "    %d\t%s heap %d%s\n", mt.Index, mt.Flags, mt.Heap, role)
	}

	if extensions {
		exts := d.Extensions()
		fmt.Fprintf(w, "  extensions\t%d\n", len(exts))
		for _, e := range exts {
			fmt.Fprintf(w, "    \t%s\n", e)
		}
	}
}

// runSelftest doubles n floats in a device-local buffer and checks the
// result.
func runSelftest(d *vkrt.Device, n int) error {
	buf, err := vkrt.NewBuffer(d, uint64(4*n), false)
	if err != nil {
		return err
	}
	defer buf.Destroy()

	in := make([]float32, n)
	for i := range in {
		in[i] = float32(i)
	}
	if err := vkrt.Upload(buf, in); err != nil {
		return err
	}

	prog, err := vkrt.NewProgramFromWGSL(d, doubleWGSL)
	if err != nil {
		return err
	}
	defer prog.Destroy()
	k, err := vkrt.NewKernel(prog, "doubleMe", vkrt.StorageBuffer)
	if err != nil {
		return err
	}
	defer k.Destroy()
	args, err := vkrt.NewArguments(k, buf)
	if err != nil {
		return err
	}
	defer args.Destroy()

	cb, err := vkrt.NewKernelCommandBuffer(d, k, args)
	if err != nil {
		return err
	}
	defer cb.Destroy()
	local := k.LocalSize()[0]
	if err := cb.Dispatch((uint32(n)+local-1)/local, 1, 1); err != nil {
		return err
	}
	if err := cb.End(); err != nil {
		return err
	}
	elapsed, err := d.Execute(cb)
	if err != nil {
		return err
	}

	out, err := vkrt.Download[float32](buf)
	if err != nil {
		return err
	}
	for i, v := range out {
		if v != 2*in[i] {
			return fmt.Errorf("element %d = %v, want %v", i, v, 2*in[i])
		}
	}
	fmt.Printf("%s: doubled %s floats in %v\n", d.Name(), humanize.Comma(int64(n)), elapsed)
	return nil
}
