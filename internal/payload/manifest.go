package payload

import (
	"bytes"
	"fmt"

	"github.com/flashkit/flashkit/internal/protolite"
)

// OpType enumerates DeltaArchiveManifest install operation types, per
// update_engine's schema. Values not named here (delta ops, vendor extensions)
// still decode — their numeric Type simply falls through to the pluggable
// Decompressor hook at extraction time.
type OpType int

const (
	OpReplace   OpType = 0
	OpReplaceBZ OpType = 1
	OpZero      OpType = 6
	OpReplaceXZ OpType = 8
)

// Extent is a destination block range.
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

// InstallOperation is one instruction for writing a partition.
type InstallOperation struct {
	Type       OpType
	DataOffset uint64
	DataLength uint64
	DstExtents []Extent
}

// NewPartitionInfo carries the final partition size/hash.
type NewPartitionInfo struct {
	Size uint64
	Hash []byte
}

// PartitionUpdate is one partition's worth of install operations.
type PartitionUpdate struct {
	Name       string
	Info       NewPartitionInfo
	Operations []InstallOperation
}

// Manifest is the decoded DeltaArchiveManifest, restricted to the fields
// extraction needs; everything else is skipped by protolite.Walk as an
// unknown field.
type Manifest struct {
	BlockSize        uint32
	SignaturesOffset uint64
	SignaturesSize   uint64
	Partitions       []PartitionUpdate
}

func decodeManifest(buf []byte) (*Manifest, error) {
	m := &Manifest{BlockSize: 4096}
	err := protolite.Walk(bytes.NewReader(buf), func(f protolite.Field) error {
		switch f.Number {
		case 3:
			m.BlockSize = uint32(f.Varint)
		case 4:
			m.SignaturesOffset = f.Varint
		case 5:
			m.SignaturesSize = f.Varint
		case 13:
			pu, err := decodePartitionUpdate(f.Bytes)
			if err != nil {
				return fmt.Errorf("partition update: %w", err)
			}
			m.Partitions = append(m.Partitions, pu)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodePartitionUpdate(buf []byte) (PartitionUpdate, error) {
	var pu PartitionUpdate
	err := protolite.Walk(bytes.NewReader(buf), func(f protolite.Field) error {
		switch f.Number {
		case 1:
			pu.Name = string(f.Bytes)
		case 7:
			info, err := decodeNewPartitionInfo(f.Bytes)
			if err != nil {
				return fmt.Errorf("new_partition_info: %w", err)
			}
			pu.Info = info
		case 8:
			op, err := decodeInstallOperation(f.Bytes)
			if err != nil {
				return fmt.Errorf("operation: %w", err)
			}
			pu.Operations = append(pu.Operations, op)
		}
		return nil
	})
	return pu, err
}

func decodeNewPartitionInfo(buf []byte) (NewPartitionInfo, error) {
	var info NewPartitionInfo
	err := protolite.Walk(bytes.NewReader(buf), func(f protolite.Field) error {
		switch f.Number {
		case 1:
			info.Size = f.Varint
		case 2:
			info.Hash = f.Bytes
		}
		return nil
	})
	return info, err
}

func decodeInstallOperation(buf []byte) (InstallOperation, error) {
	var op InstallOperation
	err := protolite.Walk(bytes.NewReader(buf), func(f protolite.Field) error {
		switch f.Number {
		case 1:
			op.Type = OpType(f.Varint)
		case 2:
			op.DataOffset = f.Varint
		case 3:
			op.DataLength = f.Varint
		case 6:
			ext, err := decodeExtent(f.Bytes)
			if err != nil {
				return fmt.Errorf("dst_extent: %w", err)
			}
			op.DstExtents = append(op.DstExtents, ext)
		}
		return nil
	})
	return op, err
}

func decodeExtent(buf []byte) (Extent, error) {
	var ext Extent
	err := protolite.Walk(bytes.NewReader(buf), func(f protolite.Field) error {
		switch f.Number {
		case 1:
			ext.StartBlock = f.Varint
		case 2:
			ext.NumBlocks = f.Varint
		}
		return nil
	})
	return ext, err
}

// FindPartition returns the named partition, or nil if absent.
func (m *Manifest) FindPartition(name string) *PartitionUpdate {
	for i := range m.Partitions {
		if m.Partitions[i].Name == name {
			return &m.Partitions[i]
		}
	}
	return nil
}
