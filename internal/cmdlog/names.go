package cmdlog

// adminOpcodeNames and ioOpcodeNames back CmdName. Dump itself returns
// raw entries and does not call it. Only the opcodes this engine actually issues or
// recognizes are named; anything else falls back to a hex rendering.
var adminOpcodeNames = map[uint8]string{
	0x00: "Delete I/O Submission Queue",
	0x01: "Create I/O Submission Queue",
	0x02: "Get Log Page",
	0x04: "Delete I/O Completion Queue",
	0x05: "Create I/O Completion Queue",
	0x06: "Identify",
	0x08: "Abort",
	0x09: "Set Features",
	0x0A: "Get Features",
	0x84: "Sanitize",
	0x80: "Format NVM",
}

var ioOpcodeNames = map[uint8]string{
	OpcodeRead:                 "Read",
	0x01:                       "Write",
	0x04:                       "Write Uncorrectable",
	0x08:                       "Write Zeroes",
	0x09:                       "Dataset Management",
}

// CmdName returns a human-readable name for opc in the given queue set
// (0 = admin, 1 = I/O), falling back to a hex code if unrecognized.
func CmdName(opc uint8, set int) string {
	var table map[uint8]string
	if set == 0 {
		table = adminOpcodeNames
	} else {
		table = ioOpcodeNames
	}
	if name, ok := table[opc]; ok {
		return name
	}
	return hexOpcode(opc)
}

func hexOpcode(opc uint8) string {
	const hexDigits = "0123456789abcdef"
	return "0x" + string([]byte{hexDigits[opc>>4], hexDigits[opc&0xf]})
}
