package object

import (
	"encoding/binary"
	"testing"

	"github.com/xyproto/nodeback/internal/ir"
)

// Grounded on xyproto/c67's table-driven _test.go style: small, direct
// assertions over the written byte stream rather than a full relocation
// library round-trip (spec.md §8's round-trip law is covered by
// internal/x64's disassembler test; this package checks the container
// format around the already-encoded bytes).

func mustTarget(t *testing.T, sys ir.System) ir.Target {
	t.Helper()
	target, err := ir.NewTarget(ir.ArchX86_64, sys)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	return target
}

// buildSimpleModule produces a module with one public, frame-using
// function ("ret") and one external call target, enough to exercise
// both an internal (same-section) and an external relocation.
func buildSimpleModule(t *testing.T, sys ir.System) *ir.Module {
	t.Helper()
	m := ir.NewModule("m", mustTarget(t, sys))

	callee := &ir.Function{Name: "helper", Sig: ir.Signature{}}
	m.DeclareFunction(callee, ir.LinkPrivate)
	callee.Compiled = ir.CompiledFunction{
		Code:         []byte{0x55, 0x48, 0x89, 0xe5, 0x5d, 0xc3, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90},
		UsesFramePtr: true,
	}

	caller := &ir.Function{Name: "main", Sig: ir.Signature{}}
	m.DeclareFunction(caller, ir.LinkPublic)
	extSym := m.DeclareExternal("puts")

	code := make([]byte, 32)
	code[6] = 0xE8 // call rel32 opcode, for flavor only - this test never decodes it
	caller.Compiled = ir.CompiledFunction{
		Code:         code,
		UsesFramePtr: true,
		Patches: []ir.Patch{
			{Position: 7, Target: callee.Symbol, PCRel: true, Addend: -4},
			{Position: 20, Target: extSym, PCRel: true, Addend: -4},
		},
	}

	return m
}

func TestELFWriterProducesValidHeader(t *testing.T) {
	m := buildSimpleModule(t, ir.SysLinux)
	w, err := For(m.Target)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	data, err := w.Write(m)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if string(data[0:4]) != "\x7fELF" {
		t.Fatalf("bad ELF magic: %v", data[0:4])
	}
	if data[4] != elfClass64 {
		t.Fatalf("expected ELFCLASS64, got %d", data[4])
	}
	etype := binary.LittleEndian.Uint16(data[16:])
	if etype != etRel {
		t.Fatalf("expected ET_REL, got %d", etype)
	}
	machine := binary.LittleEndian.Uint16(data[18:])
	if machine != emX8664 {
		t.Fatalf("expected EM_X86_64, got %d", machine)
	}
	shoff := binary.LittleEndian.Uint64(data[40:])
	if shoff == 0 || int(shoff) >= len(data) {
		t.Fatalf("section header offset %d out of range (len %d)", shoff, len(data))
	}
}

func TestCOFFWriterProducesValidHeader(t *testing.T) {
	m := buildSimpleModule(t, ir.SysWindows)
	w, err := For(m.Target)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	data, err := w.Write(m)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	machine := binary.LittleEndian.Uint16(data[0:])
	if machine != coffMachineAMD64 {
		t.Fatalf("expected IMAGE_FILE_MACHINE_AMD64, got 0x%x", machine)
	}
	numSections := binary.LittleEndian.Uint16(data[2:])
	// .text, .data, .rdata, .tls, plus .pdata/.xdata for the two
	// frame-using functions.
	if numSections < 6 {
		t.Fatalf("expected at least 6 sections (incl. .pdata/.xdata), got %d", numSections)
	}
	symtabOffset := binary.LittleEndian.Uint32(data[8:])
	numSyms := binary.LittleEndian.Uint32(data[12:])
	if symtabOffset == 0 || int(symtabOffset) >= len(data) {
		t.Fatalf("symbol table offset %d out of range (len %d)", symtabOffset, len(data))
	}
	if numSyms == 0 {
		t.Fatal("expected at least one symbol")
	}
}

func TestUnsupportedTargetRejected(t *testing.T) {
	if _, err := For(ir.Target{}); err == nil {
		t.Fatal("expected an error for the zero-value target")
	}
}
