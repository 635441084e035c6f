// Package hal declares the narrow interface contracts the kernel core
// consumes from its external collaborators, per spec.md §1's "treated
// as external collaborators" list: block devices, PCIe/ACPI
// enumeration, TPM attestation, graphics/GPU, and input. The core never
// implements a driver itself; it only calls through these interfaces,
// mirroring the teacher's pattern of keeping hardware-adjacent concerns
// (golang.org/x/sys/unix) behind small Go interfaces rather than global
// singletons like the original's `kernel_hal::graphics::get()`.
package hal

import "context"

// BlockDevice is the contract consumed for any durable storage the
// core touches indirectly (spec.md §6 "Persistent state layout").
type BlockDevice interface {
	ReadBlock(ctx context.Context, deviceID uint64, lba uint64, buf []byte) error
	WriteBlock(ctx context.Context, deviceID uint64, lba uint64, data []byte) error
}

// PCIDevice is one entry yielded by a PCIEnumerator, matching the
// spec's "(vendor, device, class, BARs)" tuple.
type PCIDevice struct {
	Vendor uint16
	Device uint16
	Class  uint8
	BARs   []uint64
}

// PCIEnumerator is the contract consumed for PCIe/ACPI device
// discovery.
type PCIEnumerator interface {
	Enumerate(ctx context.Context) ([]PCIDevice, error)
}

// Attestation is the contract consumed for TPM-backed remote
// attestation (read_pcr/generate_quote in spec.md §1).
type Attestation interface {
	ReadPCR(ctx context.Context, index int) ([]byte, error)
	GenerateQuote(ctx context.Context, nonce []byte, pcrSelection []int) ([]byte, error)
}

// PixelFormat mirrors kernel_hal::graphics::PixelFormat.
type PixelFormat int

const (
	PixelFormatARGB32 PixelFormat = iota
	PixelFormatRGB24
	PixelFormatRGB16
	PixelFormatRGB8
)

// DisplayMode mirrors kernel_hal::graphics::DisplayMode.
type DisplayMode struct {
	Width       uint32
	Height      uint32
	RefreshRate uint32
}

// FramebufferConfig mirrors the config returned by
// graphics_mgr.get_framebuffer.
type FramebufferConfig struct {
	Width  uint32
	Height uint32
	Format PixelFormat
}

// Display mirrors kernel_hal::graphics's display handle.
type Display struct {
	CurrentMode DisplayMode
}

// Graphics is the contract consumed by the FramebufferAlloc/Free/Get
// and DisplayGet/SetMode syscalls. A nil Graphics means no graphics
// manager is attached, matching the original's `graphics::get() ->
// None` path, which the dispatcher reports as ResourceExhausted.
type Graphics interface {
	AllocateFramebuffer(width, height uint32, format PixelFormat) (uint64, error)
	FreeFramebuffer(fbID uint64) error
	GetFramebuffer(fbID uint64) (FramebufferConfig, bool)
	GetDisplay(deviceID uint64) (Display, bool)
	SetDisplayMode(deviceID uint64, mode DisplayMode) error
}

// InputEvent is an opaque input event; the core never interprets its
// contents, only counts and forwards them.
type InputEvent struct {
	DeviceID  uint64
	Timestamp uint64
	Payload   []byte
}

// InputDevice describes one enumerated input device.
type InputDevice struct {
	DeviceID uint64
	Name     string
}

// Input is the contract consumed by InputRead/InputGetDevices. A nil
// Input is treated the same as Graphics: ResourceExhausted.
type Input interface {
	ReadEvents(maxEvents int) []InputEvent
	Devices() []InputDevice
}
