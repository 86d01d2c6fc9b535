package mtk

// DaMode selects the post-DA2 wire variant a chip's Download Agent
// negotiates
type DaMode int

const (
	DaModeLegacy DaMode = iota
	DaModeXFlash
	DaModeXml
)

func (m DaMode) String() string {
	switch m {
	case DaModeLegacy:
		return "Legacy"
	case DaModeXFlash:
		return "XFlash"
	case DaModeXml:
		return "Xml"
	default:
		return "Unknown"
	}
}

// ExploitType names the security-bypass family a chip record declares,
// part of each chip record.
type ExploitType int

const (
	ExploitNone ExploitType = iota
	ExploitCarbonara
	ExploitAllinoneSignature
)

func (e ExploitType) String() string {
	switch e {
	case ExploitNone:
		return "None"
	case ExploitCarbonara:
		return "Carbonara"
	case ExploitAllinoneSignature:
		return "AllinoneSignature"
	default:
		return "Unknown"
	}
}

// ChipRecord carries the per-SoC addresses and capability flags the BROM
// client and DA loader pipeline need to drive a specific chip.
type ChipRecord struct {
	HwCode        uint16
	Name          string
	WatchdogAddr  uint32
	UartAddr      uint32
	BromPayloadAddr uint32
	DaPayloadAddr uint32
	CqDmaBase     uint32 // 0 if the chip has no CQ_DMA controller
	DaMode        DaMode
	Is64Bit       bool
	BromPatched   bool
	RequiresLoader bool
	ExploitType   ExploitType
	Codename      string
}

// chipTable is a deliberately small seed carrying only chips with
// well-documented public addresses; disputed hw_code mappings are left
// out rather than guessed at. Callers extend it at init time via
// RegisterChip for chips their deployment needs that aren't seeded here.
var chipTable = map[uint16]ChipRecord{
	0x6580: {
		HwCode: 0x6580, Name: "MT6580", Codename: "armv7",
		WatchdogAddr: 0x10007000, UartAddr: 0x11005000,
		BromPayloadAddr: 0x100A00, DaPayloadAddr: 0x40200000,
		DaMode: DaModeLegacy, Is64Bit: false,
	},
	0x6761: {
		HwCode: 0x6761, Name: "MT6761", Codename: "helio-a22",
		WatchdogAddr: 0x10007000, UartAddr: 0x11002000,
		BromPayloadAddr: 0x200000, DaPayloadAddr: 0x40200000,
		DaMode: DaModeXFlash, Is64Bit: true,
	},
	0x6765: {
		HwCode: 0x6765, Name: "MT6765", Codename: "helio-p35",
		WatchdogAddr: 0x10007000, UartAddr: 0x11002000,
		BromPayloadAddr: 0x200000, DaPayloadAddr: 0x40200000,
		DaMode: DaModeXFlash, Is64Bit: true, ExploitType: ExploitCarbonara,
	},
	0x6833: {
		HwCode: 0x6833, Name: "MT6833", Codename: "dimensity-700",
		WatchdogAddr: 0x10007000, UartAddr: 0x11002000,
		BromPayloadAddr: 0x200000, DaPayloadAddr: 0x68000000,
		DaMode: DaModeXml, Is64Bit: true, CqDmaBase: 0x10217000,
	},
	0x6893: {
		HwCode: 0x6893, Name: "MT6893", Codename: "dimensity-1200",
		WatchdogAddr: 0x10007000, UartAddr: 0x11002000,
		BromPayloadAddr: 0x200000, DaPayloadAddr: 0x68000000,
		DaMode: DaModeXml, Is64Bit: true, CqDmaBase: 0x10217000,
	},
}

// preloaderAlias maps the hw_code a chip reports while running Preloader
// back to its BROM-mode hw_code: "a second mapping ...
// handles chips that advertise a different hw_code in Preloader mode than
// in BROM mode." None of the seeded chips above need one; this is left
// non-empty-capable for callers that register chips with a divergent
// Preloader identity.
var preloaderAlias = map[uint16]uint16{}

// RegisterChip adds or overrides a chip record, for deployments that need
// chips beyond the seeded table. Not safe for concurrent use with
// LookupChip; callers should finish registering before starting sessions,
// the table is initialize-once, never mutated mid-session.
func RegisterChip(rec ChipRecord) {
	chipTable[rec.HwCode] = rec
}

// RegisterPreloaderAlias records that a chip advertises preloaderHwCode
// while running Preloader, resolving to bromHwCode's ChipRecord.
func RegisterPreloaderAlias(preloaderHwCode, bromHwCode uint16) {
	preloaderAlias[preloaderHwCode] = bromHwCode
}

// LookupChip resolves hwCode to a ChipRecord, consulting the alias table
// before reporting unknown: "lookup must consult both the
// primary table and the alias table before reporting unknown."
func LookupChip(hwCode uint16) (ChipRecord, bool) {
	if rec, ok := chipTable[hwCode]; ok {
		return rec, true
	}
	if primary, ok := preloaderAlias[hwCode]; ok {
		if rec, ok := chipTable[primary]; ok {
			return rec, true
		}
	}
	return ChipRecord{}, false
}
