// Package main is a thin demonstration driver over the builder facade
// (spec.md §6): it builds a small IR module by hand, runs every stage of
// the pipeline, and writes the resulting relocatable object file to
// disk. It is not a source-language front end — there is no parser here,
// only internal/ir.Builder calls, grounded on the teacher's flag-based
// CLI (main.go/cli.go) narrowed to the one job this back end actually
// does: function in, .o/.obj out.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/xyproto/nodeback/internal/cfg"
	"github.com/xyproto/nodeback/internal/ir"
	"github.com/xyproto/nodeback/internal/isel"
	"github.com/xyproto/nodeback/internal/object"
	"github.com/xyproto/nodeback/internal/regalloc"
	"github.com/xyproto/nodeback/internal/x64"
)

const versionString = "nodeback 0.1.0"

func main() {
	targetFlag := flag.String("target", "x86_64-linux", "target platform (x86_64-linux or x86_64-windows)")
	outputFlag := flag.String("o", "", "output object file (default: add.o or add.obj, per target)")
	listFlag := flag.Bool("S", false, "print the pre-encoding assembly listing to stderr")
	version := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *version {
		fmt.Println(versionString)
		return
	}

	if err := run(*targetFlag, *outputFlag, *listFlag); err != nil {
		fmt.Fprintln(os.Stderr, "nodeback:", err)
		os.Exit(1)
	}
}

// run builds `fn add(i32 a, i32 b) -> i32 { return a + b; }` through
// every pipeline stage and writes the resulting object file.
func run(targetStr, output string, printListing bool) error {
	target, err := ir.ParseTarget(targetStr)
	if err != nil {
		return err
	}

	m := ir.NewModule("demo", target)
	b := ir.NewBuilder(m)
	f := b.CreateFunction("add", ir.Signature{Params: []ir.DataType{ir.I32, ir.I32}, Returns: []ir.DataType{ir.I32}}, ir.LinkPublic)
	lhs := b.GetParameter(0)
	rhs := b.GetParameter(1)
	sum := b.CreateAdd(ir.I32, lhs, rhs, ir.OverflowNone)
	b.CreateReturn([]ir.NodeID{sum})

	if err := compileFunction(f, target, printListing); err != nil {
		return errors.Wrapf(err, "function %q", f.Name)
	}

	writer, err := object.For(target)
	if err != nil {
		return err
	}
	data, err := writer.Write(m)
	if err != nil {
		return err
	}

	if output == "" {
		output = "add.o"
		if target.IsCOFF() {
			output = "add.obj"
		}
	}
	return object.WriteFile(output, data)
}

// compileFunction runs instruction selection, live-range analysis,
// linear-scan allocation, and encoding over fn's scheduled graph,
// attaching the result to fn.Compiled for the object writer (spec.md
// §4: G through K in sequence). When printListing is set, the debug
// assembly listing is printed right after selection, while operands are
// still virtual registers — the allocator rewrites them in place.
func compileFunction(fn *ir.Function, target ir.Target, printListing bool) error {
	g, err := cfg.Build(fn)
	if err != nil {
		return errors.Wrap(err, "schedule")
	}
	g.Schedule()

	abi := x64.For(target.IsWindowsABI())
	sel, err := isel.Select(fn, g, abi)
	if err != nil {
		return errors.Wrap(err, "instruction selection")
	}

	if printListing {
		listing, err := isel.Listing(sel.Instrs)
		if err != nil {
			return err
		}
		fmt.Fprint(os.Stderr, listing)
	}

	analysis := regalloc.Analyze(sel.Instrs)
	allocResult, err := regalloc.Allocate(sel.Instrs, analysis, abi, sel.FrameSize)
	if err != nil {
		return errors.Wrap(err, "register allocation")
	}

	enc := x64.NewEncoder()
	compiled, err := enc.EncodeFunction(sel.Instrs, int(allocResult.FrameSize), sel.UsesFramePtr)
	if err != nil {
		return errors.Wrap(err, "encoding")
	}
	fn.Compiled = *compiled
	return nil
}
