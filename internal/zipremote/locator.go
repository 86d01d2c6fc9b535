package zipremote

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// Hand-rolled ZIP/ZIP64 locator. archive/zip requires an io.ReaderAt sized
// for its own central-directory cache and offers no way to fetch only the
// handful of ranges actually needed (EOCD, optional Zip64 locator/record,
// central directory, one local file header) a remote multi-gigabyte
// archive demands, hence a dedicated locator instead of a zip.Reader.
const (
	sigEOCD        = 0x06054b50
	sigZip64Locator = 0x07064b50
	sigZip64EOCD   = 0x06064b50
	sigCentralDir  = 0x02014b50
	sigLocalHeader = 0x04034b50

	eocdFixedSize        = 22
	zip64LocatorSize     = 20
	zip64EOCDFixedSize   = 56
	maxEOCDCommentSearch = 65536
)

var (
	ErrEOCDNotFound     = errors.New("zipremote: end-of-central-directory record not found")
	ErrEntryNotFound    = errors.New("zipremote: entry not found in central directory")
	ErrMethodUnsupported = errors.New("zipremote: only the Stored (uncompressed) method is supported")
)

// Location is everything needed to stream an entry's raw (stored) bytes
// directly out of the archive without parsing anything else.
type Location struct {
	Name             string
	CompressedSize   uint64
	UncompressedSize uint64
	Method           uint16
	DataOffset       int64 // absolute offset of the first content byte
}

// LocatePayloadBin finds "payload.bin" inside a remote ZIP, reading only
// the EOCD (and Zip64 locator/record, if present), the central directory,
// and the target entry's local file header.
func LocatePayloadBin(ctx context.Context, rr *RangeReaderAt) (*Location, error) {
	return Locate(ctx, rr, "payload.bin")
}

// Locate finds an arbitrary named entry, following the same narrow-range
// strategy as LocatePayloadBin.
func Locate(ctx context.Context, rr *RangeReaderAt, name string) (*Location, error) {
	size, err := rr.Size(ctx)
	if err != nil {
		return nil, err
	}

	eocdOff, cdOffset32, cdSize32, err := findEOCD(ctx, rr, size)
	if err != nil {
		return nil, err
	}

	cdOffset, cdSize := uint64(cdOffset32), uint64(cdSize32)
	if cdOffset32 == 0xFFFFFFFF || cdSize32 == 0xFFFFFFFF {
		cdOffset, cdSize, err = readZip64EOCD(ctx, rr, eocdOff)
		if err != nil {
			return nil, err
		}
	}

	entry, err := scanCentralDir(ctx, rr, int64(cdOffset), int64(cdSize), name)
	if err != nil {
		return nil, err
	}
	if entry.Method != 0 {
		return nil, fmt.Errorf("%w: entry %q uses method %d", ErrMethodUnsupported, name, entry.Method)
	}

	dataOff, err := localFileDataOffset(ctx, rr, entry.localHeaderOffset)
	if err != nil {
		return nil, err
	}
	entry.DataOffset = dataOff
	return &entry.Location, nil
}

// findEOCD scans the trailing maxEOCDCommentSearch bytes (or the whole
// file, if smaller) backward for the EOCD signature, since a ZIP comment
// of arbitrary length can precede it.
func findEOCD(ctx context.Context, rr *RangeReaderAt, size int64) (eocdOffset int64, cdOffset, cdSize uint32, err error) {
	window := int64(maxEOCDCommentSearch)
	if window > size {
		window = size
	}
	start := size - window
	buf, err := rr.FetchRange(ctx, start, size-1)
	if err != nil {
		return 0, 0, 0, err
	}

	for i := len(buf) - eocdFixedSize; i >= 0; i-- {
		if binary.LittleEndian.Uint32(buf[i:]) == sigEOCD {
			rec := buf[i:]
			cdSize = binary.LittleEndian.Uint32(rec[12:16])
			cdOffset = binary.LittleEndian.Uint32(rec[16:20])
			return start + int64(i), cdOffset, cdSize, nil
		}
	}
	return 0, 0, 0, ErrEOCDNotFound
}

func readZip64EOCD(ctx context.Context, rr *RangeReaderAt, eocdOffset int64) (cdOffset, cdSize uint64, err error) {
	locStart := eocdOffset - zip64LocatorSize
	if locStart < 0 {
		return 0, 0, fmt.Errorf("zipremote: zip64 locator out of range")
	}
	locBuf, err := rr.FetchRange(ctx, locStart, eocdOffset-1)
	if err != nil {
		return 0, 0, err
	}
	if binary.LittleEndian.Uint32(locBuf[0:4]) != sigZip64Locator {
		return 0, 0, fmt.Errorf("zipremote: expected zip64 end-of-central-directory locator")
	}
	zip64EOCDOffset := int64(binary.LittleEndian.Uint64(locBuf[8:16]))

	recBuf, err := rr.FetchRange(ctx, zip64EOCDOffset, zip64EOCDOffset+zip64EOCDFixedSize-1)
	if err != nil {
		return 0, 0, err
	}
	if binary.LittleEndian.Uint32(recBuf[0:4]) != sigZip64EOCD {
		return 0, 0, fmt.Errorf("zipremote: expected zip64 end-of-central-directory record")
	}
	cdSize = binary.LittleEndian.Uint64(recBuf[40:48])
	cdOffset = binary.LittleEndian.Uint64(recBuf[48:56])
	return cdOffset, cdSize, nil
}

type centralDirEntry struct {
	Location
	localHeaderOffset int64
}

// scanCentralDir reads the whole central directory in one ranged fetch
// (it is typically small even for multi-gigabyte archives) and walks its
// fixed+variable-length records looking for name.
func scanCentralDir(ctx context.Context, rr *RangeReaderAt, offset, size int64, name string) (*centralDirEntry, error) {
	buf, err := rr.FetchRange(ctx, offset, offset+size-1)
	if err != nil {
		return nil, err
	}

	pos := 0
	for pos+46 <= len(buf) {
		if binary.LittleEndian.Uint32(buf[pos:]) != sigCentralDir {
			break
		}
		method := binary.LittleEndian.Uint16(buf[pos+10:])
		compSize := uint64(binary.LittleEndian.Uint32(buf[pos+20:]))
		uncompSize := uint64(binary.LittleEndian.Uint32(buf[pos+24:]))
		nameLen := int(binary.LittleEndian.Uint16(buf[pos+28:]))
		extraLen := int(binary.LittleEndian.Uint16(buf[pos+30:]))
		commentLen := int(binary.LittleEndian.Uint16(buf[pos+32:]))
		localOffset := uint64(binary.LittleEndian.Uint32(buf[pos+42:]))

		nameStart := pos + 46
		entryName := string(buf[nameStart : nameStart+nameLen])
		extraStart := nameStart + nameLen
		extra := buf[extraStart : extraStart+extraLen]

		if compSize == 0xFFFFFFFF || uncompSize == 0xFFFFFFFF || localOffset == 0xFFFFFFFF {
			c, u, l, ok := parseZip64Extra(extra, compSize == 0xFFFFFFFF, uncompSize == 0xFFFFFFFF, localOffset == 0xFFFFFFFF)
			if ok {
				compSize, uncompSize, localOffset = c, u, l
			}
		}

		if entryName == name {
			return &centralDirEntry{
				Location: Location{
					Name:             entryName,
					CompressedSize:   compSize,
					UncompressedSize: uncompSize,
					Method:           method,
				},
				localHeaderOffset: int64(localOffset),
			}, nil
		}

		pos = extraStart + extraLen + commentLen
	}
	return nil, fmt.Errorf("%w: %q", ErrEntryNotFound, name)
}

// parseZip64Extra reads the ZIP64 extended-information extra field
// (header ID 0x0001), whose member order is: uncompressed size,
// compressed size, local header offset — each present only if its 32-bit
// counterpart was 0xFFFFFFFF.
func parseZip64Extra(extra []byte, needComp, needUncomp, needOffset bool) (compSize, uncompSize, localOffset uint64, ok bool) {
	for i := 0; i+4 <= len(extra); {
		id := binary.LittleEndian.Uint16(extra[i:])
		dataSize := int(binary.LittleEndian.Uint16(extra[i+2:]))
		data := extra[i+4:]
		if id != 0x0001 || len(data) < dataSize {
			i += 4 + dataSize
			continue
		}
		off := 0
		if needUncomp && off+8 <= dataSize {
			uncompSize = binary.LittleEndian.Uint64(data[off:])
			off += 8
		}
		if needComp && off+8 <= dataSize {
			compSize = binary.LittleEndian.Uint64(data[off:])
			off += 8
		}
		if needOffset && off+8 <= dataSize {
			localOffset = binary.LittleEndian.Uint64(data[off:])
			off += 8
		}
		return compSize, uncompSize, localOffset, true
	}
	return 0, 0, 0, false
}

// localFileDataOffset reads a local file header to compute where its
// content actually starts (filename/extra lengths can differ from the
// central directory's copy).
func localFileDataOffset(ctx context.Context, rr *RangeReaderAt, localHeaderOffset int64) (int64, error) {
	const localFixedSize = 30
	buf, err := rr.FetchRange(ctx, localHeaderOffset, localHeaderOffset+localFixedSize-1)
	if err != nil {
		return 0, err
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != sigLocalHeader {
		return 0, fmt.Errorf("zipremote: expected local file header at offset %d", localHeaderOffset)
	}
	nameLen := int(binary.LittleEndian.Uint16(buf[26:28]))
	extraLen := int(binary.LittleEndian.Uint16(buf[28:30]))
	return localHeaderOffset + localFixedSize + int64(nameLen) + int64(extraLen), nil
}
