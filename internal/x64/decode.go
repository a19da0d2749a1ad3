package x64

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/pkg/errors"
)

// Disassemble decodes one instruction at the front of code and returns
// its x86asm.Inst plus its length in bytes. Nothing in this module calls
// it; the round-trip tests use VerifyRoundTrip, and production code
// never needs to decode what it just encoded.
func Disassemble(code []byte) (x86asm.Inst, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return x86asm.Inst{}, errors.Wrapf(err, "x64: decode")
	}
	return inst, nil
}

// VerifyRoundTrip decodes every instruction in code in turn and fails on
// the first byte sequence x86asm cannot decode or that decodes to zero
// length — a structural self-check that
// the encoder never emitted a malformed opcode, independent of checking
// individual mnemonics.
func VerifyRoundTrip(code []byte) error {
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return errors.Wrapf(err, "x64: malformed instruction at offset %d (byte %#x)", off, code[off])
		}
		if inst.Len == 0 {
			return fmt.Errorf("x64: zero-length decode at offset %d", off)
		}
		off += inst.Len
	}
	return nil
}
