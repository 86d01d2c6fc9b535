package mtk

import "bytes"

// daClassification is what damagic sniffing resolves a DA2 region to: the
// wire mode it should negotiate after JUMP_DA, and the signature length
// policy the loader pipeline uses when a DA file's own SignatureLength
// field reads zero (some AllInOne containers omit it and rely on a fixed
// trailing length by convention instead)
type daClassification struct {
	Mode          DaMode
	SignatureLen  int
	OfficialSigned bool
}

var elfMagic = []byte{0x7F, 0x45, 0x4C, 0x46}

// officialSignatureLen is the conventional trailing signature length
// vendor-signed (V6/Xml) DA2 images carry
const officialSignatureLen = 0x1000

// armBranchTopBytes recognizes the ARM branch encodings (B and BL with
// the AL condition) MediaTek's legacy DA loaders place as their very first
// instruction, at byte offset 3 of a little-endian ARM word (the
// condition+opcode nibble lands in the top byte).
var armBranchTopBytes = map[byte]bool{
	0xEA: true, // B  (AL condition)
	0xEB: true, // BL (AL condition)
}

// classifyDaImage detects a DA region by magic/structure, never by
// trusting the DA file's declared region index alone — the data could be
// an ELF (V6/Xml loader), a raw ARM binary
// with a branch-instruction preamble (legacy loader), or an officially
// signed image recognized by a high-entropy trailing tail rather than any
// leading magic. Falls back to the chip record's declared DaMode when no
// structural signal is conclusive.
func classifyDaImage(data []byte, fallback ChipRecord) daClassification {
	switch {
	case bytes.HasPrefix(data, elfMagic):
		return daClassification{Mode: DaModeXml, SignatureLen: 0}
	case looksOfficiallySigned(data):
		return daClassification{Mode: DaModeXml, SignatureLen: officialSignatureLen, OfficialSigned: true}
	case len(data) > 3 && armBranchTopBytes[data[3]]:
		return daClassification{Mode: DaModeLegacy, SignatureLen: 0}
	default:
		return daClassification{Mode: fallback.DaMode, SignatureLen: 0}
	}
}

// looksOfficiallySigned checks the trailing officialSignatureLen bytes for
// high byte-value entropy (a dense, near-uniform distribution across the
// 256 possible byte values), which recognizes a vendor RSA/ECDSA
// signature tail without parsing its ASN.1 contents.
func looksOfficiallySigned(data []byte) bool {
	if len(data) <= officialSignatureLen {
		return false
	}
	tail := data[len(data)-officialSignatureLen:]
	var histogram [256]int
	for _, b := range tail {
		histogram[b]++
	}
	distinct := 0
	for _, count := range histogram {
		if count > 0 {
			distinct++
		}
	}
	// A genuine signature/digest tail touches the overwhelming majority of
	// byte values; padding, repeated fill, or plain code does not.
	return distinct > 200
}
