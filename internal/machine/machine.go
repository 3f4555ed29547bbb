// Package machine builds a complete Palacios virtual machine's device
// graph from a vmconfig.Config: the per-vCPU LAPIC set, the C1 interrupt
// fabric, and the PIIX3 IDE controller with its PCI function. It is the
// adaptation of the teacher's boot-time device-registration wiring to this
// VMM's device model.
package machine

import (
	"fmt"

	"github.com/palacios-vmm/palacios/internal/devices/amd64/pci"
	"github.com/palacios-vmm/palacios/internal/hv"
	"github.com/palacios-vmm/palacios/internal/ide"
	"github.com/palacios-vmm/palacios/internal/irqfabric"
	"github.com/palacios-vmm/palacios/internal/lapic"
	"github.com/palacios-vmm/palacios/internal/vmconfig"
)

// Legacy ISA IRQ lines and I/O-port bases, matching the PC/AT conventions
// spec.md §6 documents.
const (
	irqPrimaryIDE   = 14
	irqSecondaryIDE = 15

	primaryCmdBase   = 0x1F0
	primaryCtlBase   = 0x3F6
	secondaryCmdBase = 0x170
	secondaryCtlBase = 0x376

	bmBase = 0xC000
)

// Machine holds the constructed device graph for a running VM, for tests
// and callers that need to reach a component directly (e.g. to raise a
// line or inspect a drive).
type Machine struct {
	APICs     *lapic.Set
	Fabric    *irqfabric.Fabric
	Bridge    *pci.HostBridge
	Primary   *ide.Channel
	Secondary *ide.Channel
}

// Build constructs a Machine from cfg and registers every device with vm.
// Devices are added in the teacher's order: the interrupt fabric first,
// then the peripherals that depend on it.
func Build(vm hv.VirtualMachine, cfg *vmconfig.Config) (*Machine, error) {
	m := &Machine{
		APICs:  lapic.NewSet(),
		Bridge: pci.NewHostBridge(),
	}

	for i := 0; i < cfg.LAPIC.VCPUCount; i++ {
		apic := lapic.New(m.APICs, lapic.Config{
			ID:        i,
			Bootstrap: i == 0,
			BaseAddr:  0xFEE00000,
		})
		m.APICs.Add(apic)
		if err := vm.AddDevice(lapic.NewDevice(apic)); err != nil {
			return nil, fmt.Errorf("machine: add lapic %d: %w", i, err)
		}
	}

	m.Fabric = irqfabric.New(m.APICs)
	// The IDE channel lines are level-triggered, addressed physically at the
	// bootstrap APIC, matching the classic PC/AT wiring for IRQ14/15.
	m.Fabric.ConfigureLine(irqPrimaryIDE, irqPrimaryIDE+0x20, 0, false, lapic.DeliveryFixed, true)
	m.Fabric.ConfigureLine(irqSecondaryIDE, irqSecondaryIDE+0x20, 0, false, lapic.DeliveryFixed, true)

	if err := vm.AddDevice(m.Bridge); err != nil {
		return nil, fmt.Errorf("machine: add pci host bridge: %w", err)
	}

	var err error
	m.Primary, err = buildChannel(vm, "ide0", primaryCmdBase, primaryCtlBase, bmBase, irqPrimaryIDE, m.Fabric, &cfg.Primary)
	if err != nil {
		return nil, err
	}
	m.Secondary, err = buildChannel(vm, "ide1", secondaryCmdBase, secondaryCtlBase, bmBase+8, irqSecondaryIDE, m.Fabric, &cfg.Secondary)
	if err != nil {
		return nil, err
	}

	if err := ide.RegisterPCI(m.Bridge, bmBase); err != nil {
		return nil, fmt.Errorf("machine: register ide pci function: %w", err)
	}

	return m, nil
}

func buildChannel(vm hv.VirtualMachine, name string, cmdBase, ctlBase uint16, dmaBase uint16, irqLine uint8, fabric *irqfabric.Fabric, cfg *vmconfig.ChannelConfig) (*ide.Channel, error) {
	ch := ide.NewChannel(name, cmdBase, ctlBase, ide.IRQLineFunc(func(level bool) {
		fabric.SetIRQLine(irqLine, level)
	}), ide.WithDMAPorts(dmaBase))

	if err := attachDrive(ch, 0, cfg.Master); err != nil {
		return nil, err
	}
	if err := attachDrive(ch, 1, cfg.Slave); err != nil {
		return nil, err
	}

	if err := vm.AddDevice(ch); err != nil {
		return nil, fmt.Errorf("machine: add channel %s: %w", name, err)
	}
	if dma := ch.DMA(); dma != nil {
		if err := vm.AddDevice(dma); err != nil {
			return nil, fmt.Errorf("machine: add channel %s dma: %w", name, err)
		}
	}
	return ch, nil
}

func attachDrive(ch *ide.Channel, slot int, cfg *vmconfig.DriveConfig) error {
	if cfg == nil {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var backend ide.BlockBackend
	if cfg.Image != "" {
		opened, err := ide.OpenFileBackend(cfg.Image)
		if err != nil {
			return fmt.Errorf("machine: open %s: %w", cfg.Image, err)
		}
		backend = opened
	}

	switch cfg.Type {
	case "cdrom":
		ch.AttachCDROM(slot, backend, cfg.Model)
	default:
		if backend == nil {
			return fmt.Errorf("machine: disk slot requires an image")
		}
		ch.AttachDisk(slot, backend, cfg.Model)
	}
	return nil
}
