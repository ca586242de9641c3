package pcibus

import "fmt"

// ClassName renders a (class, subclass) pair for logs and the probe
// report. Only the classes that show up on the machines this kernel
// targets get names; the rest print numerically.
func ClassName(class, subclass uint8) string {
	switch class {
	case 0x00:
		return "pre-class device"
	case 0x01:
		switch subclass {
		case 0x00:
			return "SCSI controller"
		case 0x01:
			return "IDE controller"
		case 0x06:
			return "SATA controller"
		case 0x08:
			return "NVMe controller"
		}
		return "storage controller"
	case 0x02:
		if subclass == 0x00 {
			return "ethernet controller"
		}
		return "network controller"
	case 0x03:
		return "display controller"
	case 0x04:
		return "multimedia controller"
	case 0x05:
		return "memory controller"
	case classBridge:
		switch subclass {
		case 0x00:
			return "host bridge"
		case 0x01:
			return "ISA bridge"
		case subClassPCIBridge:
			return "PCI-to-PCI bridge"
		}
		return "bridge"
	case 0x07:
		return "communication controller"
	case 0x08:
		return "system peripheral"
	case 0x0C:
		switch subclass {
		case 0x03:
			return "USB controller"
		case 0x05:
			return "SMBus controller"
		}
		return "serial bus controller"
	case 0x0D:
		return "wireless controller"
	}
	return fmt.Sprintf("class %02x.%02x", class, subclass)
}

// CapabilityName renders a capability list ID.
func CapabilityName(id uint8) string {
	switch id {
	case CapPowerManagement:
		return "power management"
	case CapVPD:
		return "vital product data"
	case CapMSI:
		return "MSI"
	case CapVendorSpecific:
		return "vendor specific"
	case CapPCIExpress:
		return "PCI Express"
	case CapMSIX:
		return "MSI-X"
	case CapSATA:
		return "SATA config"
	case CapAdvancedFeature:
		return "advanced features"
	}
	return fmt.Sprintf("capability %#02x", id)
}
