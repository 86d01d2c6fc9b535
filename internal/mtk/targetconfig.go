package mtk

import "strings"

// TargetConfig is the device security-state bitfield: SBC, DAA, SLA,
// SW_JTAG, EPP, CERT_REQUIRED, MEM_READ_AUTH, MEM_WRITE_AUTH,
// CMD_C8_BLOCKED.
type TargetConfig uint32

const (
	CfgSBC TargetConfig = 1 << iota
	CfgDAA
	CfgSLA
	CfgSWJTAG
	CfgEPP
	CfgCertRequired
	CfgMemReadAuth
	CfgMemWriteAuth
	CfgCmdC8Blocked
)

var targetConfigNames = []struct {
	bit  TargetConfig
	name string
}{
	{CfgSBC, "SBC"},
	{CfgDAA, "DAA"},
	{CfgSLA, "SLA"},
	{CfgSWJTAG, "SW_JTAG"},
	{CfgEPP, "EPP"},
	{CfgCertRequired, "CERT_REQUIRED"},
	{CfgMemReadAuth, "MEM_READ_AUTH"},
	{CfgMemWriteAuth, "MEM_WRITE_AUTH"},
	{CfgCmdC8Blocked, "CMD_C8_BLOCKED"},
}

// Has reports whether every bit in mask is set.
func (c TargetConfig) Has(mask TargetConfig) bool { return c&mask == mask }

// IsZero reports whether no security gate is set — the state the BROM
// exploit (SEND_CERT) aims to reach
func (c TargetConfig) IsZero() bool { return c == 0 }

func (c TargetConfig) String() string {
	if c == 0 {
		return "none"
	}
	var names []string
	for _, e := range targetConfigNames {
		if c.Has(e.bit) {
			names = append(names, e.name)
		}
	}
	return strings.Join(names, "|")
}

// DeviceState carries the identifying vectors populated after a
// successful handshake and chip identification: TargetConfig,
// ME_ID, SoC_ID, and whether the session is currently talking to BROM
// (versus Preloader, which shares a subset of the wire protocol but
// greets with a longer banner).
type DeviceState struct {
	Config    TargetConfig
	MeID      [16]byte
	SocID     [32]byte
	IsBromMode bool
	Chip      ChipRecord
	ChipKnown bool
}
