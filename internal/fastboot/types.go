package fastboot

// VendorID is one of the well-known Android USB vendor IDs, an
// informational (non-gating) enumeration.
type VendorID uint16

const (
	VendorGoogle    VendorID = 0x18D1
	VendorSamsung   VendorID = 0x04E8
	VendorXiaomi    VendorID = 0x2717
	VendorOPPO      VendorID = 0x22D9
	VendorOnePlus   VendorID = 0x2A70
	VendorMotorola  VendorID = 0x22B8
	VendorQualcomm  VendorID = 0x05C6
	VendorMediaTek  VendorID = 0x0E8D
	VendorUnisoc    VendorID = 0x1782
)

// TransportKind names which physical transport a DeviceDescriptor was
// discovered over.
type TransportKind int

const (
	TransportUSB TransportKind = iota
	TransportSerial
)

// DeviceDescriptor is the identifying tuple "(vendor_id,
// product_id, serial) plus the transport kind." The vendor enumeration
// above is informational only — an unrecognized VendorID is not a reason
// to reject a device.
type DeviceDescriptor struct {
	VendorID  VendorID
	ProductID uint16
	Serial    string
	Transport TransportKind
}

// PartitionInfo is the derived per-partition view, separating
// structured partition data out of the flat variable mapping: composite
// keys partition-size:<name> and is-logical:<name> populate this table
// rather than being left as opaque strings.
type PartitionInfo struct {
	Size      uint64
	IsLogical bool
	// HasIsLogical distinguishes "known not logical" from "is-logical
	// was never reported for this partition," since is-logical is
	// optional
	HasIsLogical bool
}

// DefaultMaxDownloadSize is the 512 MiB fallback used when
// a device never reports max-download-size at all.
const DefaultMaxDownloadSize uint64 = 512 * 1024 * 1024

// fallbackVariables is the fixed probe list consulted
// when getvar:all yields fewer than 5 variables (a FAIL response, a
// minimal bootloader, or a device that doesn't implement the bulk form).
var fallbackVariables = []string{
	"product",
	"serialno",
	"secure",
	"unlocked",
	"max-download-size",
	"current-slot",
	"slot-count",
	"is-userspace",
	"version-bootloader",
	"version-baseband",
	"hw-revision",
	"variant",
}
