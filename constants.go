package qnvme

// NVMe opcodes relevant to the validation engine. Admin vs. I/O opcode
// spaces overlap numerically; CmdName disambiguates by queue set.
const (
	OpcodeWrite                = 0x01
	OpcodeRead                 = 0x02
	OpcodeWriteUncorrectable   = 0x04
	OpcodeWriteZeroes          = 0x08
	OpcodeDatasetManagement    = 0x09
)

// Checksum table sentinels.
const (
	TableUnmapped      uint32 = 0x00000000
	TableUncorrectable uint32 = 0xFFFFFFFF
)

// Global configuration word bits.
const (
	ConfigVerifyReads uint64 = 1 << 0
)

// Fixed-capacity array sizes, kept as constants per the design notes rather
// than made configurable.
const (
	CmdLogDepth   = 2047
	MaxQueuePairs = 16
	SectorSize    = 512
	UsPerSecond   = 1_000_000
)

// NVMe status codes the verifier and worker loop surface. Encoded as
// (SCT << 8) | SC, matching the 11-bit status field width used elsewhere
// in the completion path.
const (
	StatusSuccess              uint16 = 0x0000
	StatusInvalidFieldInCmd    uint16 = 0x0002
	StatusUnrecoveredReadError uint16 = 0x0281 // SCT=0x02, SC=0x81
)
