package mtk

import (
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	liblzma "github.com/remyoudompheng/go-liblzma"
)

// AllInOne DA container parsing:
// { magic:"MTK_DOWNLOAD_AGENT", file_id, version, da_magic=0x99886622,
// entries:[DaEntry] }. Files are modest (tens of MB) and read whole, then
// walked header-first, entries by offset.
const (
	daMagicString = "MTK_DOWNLOAD_AGENT"
	daMagicValue  = 0x99886622
	daHeaderSize  = 32 + 4 + 4 + 4 + 4 // magic + file_id + version + da_magic + entry_count
)

// DaEntry is one chip's worth of regions within a DA file.
type DaEntry struct {
	HwCode    uint16
	HwSubcode uint16
	HwVersion uint16
	Regions   []DaRegion
}

// DaRegion is one loadable region of a DA file. Region 0 of the selected
// entry is DA1; region 1 is DA2.
type DaRegion struct {
	FileOffset      uint32
	TotalLength     uint32
	LoadAddress     uint32
	RegionLength    uint32
	SignatureLength uint32
	Data            []byte
	Signature       []byte
}

// DaFile is the fully parsed container.
type DaFile struct {
	FileID  uint32
	Version uint32
	Entries []DaEntry
}

// entryHeaderSize is the fixed size of one entry's table record.
const entryHeaderSize = 2 + 2 + 2 + 2 + 2 + 2 + 4 // hw_code,hw_subcode,hw_version,sw_version,reserved,region_count,region_offset

const regionHeaderSize = 4 + 4 + 4 + 4 + 4 // file_offset,total_length,load_address,region_length,signature_length

// ParseDaFile decodes an AllInOne DA file from buf, following the header
// -> entry table -> per-entry region table -> raw data layout.
func ParseDaFile(buf []byte) (*DaFile, error) {
	if len(buf) < daHeaderSize {
		return nil, fmt.Errorf("%w: file too short for header", ErrDaFileMalformed)
	}
	magic := string(bytes.TrimRight(buf[0:32], "\x00"))
	if magic != daMagicString {
		return nil, fmt.Errorf("%w: magic %q", ErrDaFileMalformed, magic)
	}
	fileID := binary.LittleEndian.Uint32(buf[32:36])
	version := binary.LittleEndian.Uint32(buf[36:40])
	daMagic := binary.LittleEndian.Uint32(buf[40:44])
	if daMagic != daMagicValue {
		return nil, fmt.Errorf("%w: da_magic 0x%08x", ErrDaFileMalformed, daMagic)
	}
	entryCount := binary.LittleEndian.Uint32(buf[44:48])

	df := &DaFile{FileID: fileID, Version: version}
	pos := daHeaderSize
	for i := uint32(0); i < entryCount; i++ {
		if pos+entryHeaderSize > len(buf) {
			return nil, fmt.Errorf("%w: entry %d header out of range", ErrDaFileMalformed, i)
		}
		hwCode := binary.LittleEndian.Uint16(buf[pos : pos+2])
		hwSubcode := binary.LittleEndian.Uint16(buf[pos+2 : pos+4])
		hwVersion := binary.LittleEndian.Uint16(buf[pos+4 : pos+6])
		regionCount := binary.LittleEndian.Uint16(buf[pos+10 : pos+12])
		regionOffset := binary.LittleEndian.Uint32(buf[pos+12 : pos+16])
		pos += entryHeaderSize

		entry := DaEntry{HwCode: hwCode, HwSubcode: hwSubcode, HwVersion: hwVersion}
		rpos := int(regionOffset)
		for r := uint16(0); r < regionCount; r++ {
			if rpos+regionHeaderSize > len(buf) {
				return nil, fmt.Errorf("%w: entry %d region %d header out of range", ErrDaFileMalformed, i, r)
			}
			reg := DaRegion{
				FileOffset:      binary.LittleEndian.Uint32(buf[rpos : rpos+4]),
				TotalLength:     binary.LittleEndian.Uint32(buf[rpos+4 : rpos+8]),
				LoadAddress:     binary.LittleEndian.Uint32(buf[rpos+8 : rpos+12]),
				RegionLength:    binary.LittleEndian.Uint32(buf[rpos+12 : rpos+16]),
				SignatureLength: binary.LittleEndian.Uint32(buf[rpos+16 : rpos+20]),
			}
			rpos += regionHeaderSize

			dataEnd := int(reg.FileOffset) + int(reg.TotalLength)
			if dataEnd > len(buf) || int(reg.FileOffset) < 0 {
				return nil, fmt.Errorf("%w: entry %d region %d data out of range", ErrDaFileMalformed, i, r)
			}
			full := buf[reg.FileOffset:dataEnd]
			sigStart := len(full) - int(reg.SignatureLength)
			if sigStart < 0 {
				return nil, fmt.Errorf("%w: entry %d region %d signature length exceeds region", ErrDaFileMalformed, i, r)
			}
			reg.Data = full[:sigStart]
			reg.Signature = full[sigStart:]
			entry.Regions = append(entry.Regions, reg)
		}
		df.Entries = append(df.Entries, entry)
	}
	return df, nil
}

// FindEntry returns the entry matching hwCode, or nil.
func (df *DaFile) FindEntry(hwCode uint16) *DaEntry {
	for i := range df.Entries {
		if df.Entries[i].HwCode == hwCode {
			return &df.Entries[i]
		}
	}
	return nil
}

// DA1 and DA2 name region 0 and region 1 of an entry
func (e *DaEntry) DA1() (*DaRegion, bool) {
	if len(e.Regions) < 1 {
		return nil, false
	}
	return &e.Regions[0], true
}

func (e *DaEntry) DA2() (*DaRegion, bool) {
	if len(e.Regions) < 2 {
		return nil, false
	}
	return &e.Regions[1], true
}

// Container-compression magics some vendor AllInOne DA files wrap their
// regions in.
var (
	lz4FrameMagic = []byte{0x04, 0x22, 0x4D, 0x18} // little-endian 0x184D2204
	xzMagic       = []byte{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00}
	bzip2Magic    = []byte{0x42, 0x5A, 0x68}
)

// DecompressRegion transparently unwraps a region's Data if it is framed
// in one of the recognized container formats, otherwise returns it
// unchanged. Detection is by magic sniff only, never by file extension or
// region index.
func DecompressRegion(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, lz4FrameMagic):
		var out bytes.Buffer
		if _, err := io.Copy(&out, lz4.NewReader(bytes.NewReader(data))); err != nil {
			return nil, fmt.Errorf("mtk: lz4-framed DA region: %w", err)
		}
		return out.Bytes(), nil
	case bytes.HasPrefix(data, xzMagic):
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("mtk: xz-framed DA region: %w", err)
		}
		var out bytes.Buffer
		if _, err := io.Copy(&out, r); err != nil {
			return nil, fmt.Errorf("mtk: xz-framed DA region: %w", err)
		}
		return out.Bytes(), nil
	case bytes.HasPrefix(data, bzip2Magic):
		var out bytes.Buffer
		if _, err := io.Copy(&out, bzip2.NewReader(bytes.NewReader(data))); err != nil {
			return nil, fmt.Errorf("mtk: bzip2-framed DA region: %w", err)
		}
		return out.Bytes(), nil
	case looksLikeLegacyLzma(data):
		r, err := liblzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("mtk: legacy-lzma-framed DA region: %w", err)
		}
		defer r.Close()
		var out bytes.Buffer
		if _, err := io.Copy(&out, r); err != nil {
			return nil, fmt.Errorf("mtk: legacy-lzma-framed DA region: %w", err)
		}
		return out.Bytes(), nil
	default:
		return data, nil
	}
}

// looksLikeLegacyLzma recognizes the bare .lzma stream format that
// predates the xz container: a single properties byte (conventionally
// 0x5D for the standard lc=3,lp=0,pb=2 preset) followed by a 4-byte
// little-endian dictionary size and an 8-byte uncompressed size field (or
// the all-0xFF "unknown size" marker), with no container magic of its own
// to key off instead.
func looksLikeLegacyLzma(data []byte) bool {
	if len(data) < 13 || data[0] != 0x5D {
		return false
	}
	dictSize := binary.LittleEndian.Uint32(data[1:5])
	return dictSize > 0 && dictSize <= 1<<30
}
