// sandbpf: sandboxed eBPF virtual machine.
//
// This is the command-line front end for the VM: it loads a program from an
// ELF object or flat bytecode, verifies it, and runs, checks or
// disassembles it.
package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/fortiblox/sandbpf/pkg/ebpf"
	"github.com/fortiblox/sandbpf/pkg/elfload"
	"github.com/fortiblox/sandbpf/pkg/jit"
	"github.com/fortiblox/sandbpf/pkg/progcache"
	"github.com/fortiblox/sandbpf/pkg/syscalls"
	"github.com/fortiblox/sandbpf/pkg/verifier"
	"github.com/fortiblox/sandbpf/pkg/vm"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

func usage() {
	fmt.Fprintf(os.Stderr, `sandbpf %s - sandboxed eBPF virtual machine

Usage:
  sandbpf run    [flags] <program>   verify and execute a program
  sandbpf verify [flags] <program>   verify a program and report the result
  sandbpf dump   <program>           disassemble a program
  sandbpf -version

A program is an ELF object for the BPF machine type or flat little-endian
bytecode. Run "sandbpf <command> -h" for command flags.
`, Version)
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("sandbpf %s (%s)\n", Version, GitCommit)
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "run":
		err = cmdRun(args[1:])
	case "verify":
		err = cmdVerify(args[1:])
	case "dump":
		err = cmdDump(args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
}

// vmFlags registers the execution-limit flags shared by run and verify.
func vmFlags(fs *flag.FlagSet) *vm.Config {
	cfg := vm.DefaultConfig()
	fs.Uint64Var(&cfg.MaxInstructions, "max-instructions", cfg.MaxInstructions, "Instruction budget per run")
	fs.Uint64Var(&cfg.HeapSize, "heap", cfg.HeapSize, "Heap size in bytes")
	fs.Uint64Var(&cfg.StackFrameSize, "stack-frame", cfg.StackFrameSize, "Stack frame size in bytes")
	fs.IntVar(&cfg.MaxCallDepth, "depth", cfg.MaxCallDepth, "Max call depth")
	fs.IntVar(&cfg.MaxVerifierInstructions, "max-verifier-instructions", cfg.MaxVerifierInstructions, "Max program length accepted by the verifier")
	return &cfg
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfg := vmFlags(fs)
	inputFile := fs.String("input", "", "File mapped read-only as the program input")
	useJIT := fs.Bool("jit", false, "Execute natively compiled code")
	cacheDir := fs.String("cache-dir", "", "Program cache directory (skips re-verification)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("run: expected exactly one program file")
	}
	prog, err := loadProgram(fs.Arg(0))
	if err != nil {
		return err
	}

	var input []byte
	if *inputFile != "" {
		input, err = os.ReadFile(*inputFile)
		if err != nil {
			return err
		}
	}

	if err := checkCached(prog, *cfg, *cacheDir); err != nil {
		return err
	}

	reg := syscalls.NewRegistry(64)
	if err := syscalls.RegisterBuiltins(reg, log.Default()); err != nil {
		return err
	}

	var engine vm.Executable
	if *useJIT {
		if !jit.Available() {
			return fmt.Errorf("run: JIT is not supported on this platform")
		}
		compiled, err := jit.Compile(prog, *cfg, reg)
		if err != nil {
			return err
		}
		defer compiled.Close()
		engine = compiled
	} else {
		engine = vm.NewInterpreter(prog, *cfg, reg)
	}

	ret, err := engine.Execute(input)
	if err != nil {
		return err
	}
	fmt.Printf("r0 = %d (0x%x)\n", ret, ret)
	return nil
}

// checkCached verifies prog, using the cache to skip verification of
// programs already known good.
func checkCached(prog *vm.Program, cfg vm.Config, cacheDir string) error {
	if cacheDir == "" {
		return verifier.CheckProgram(prog, cfg)
	}

	cache, err := progcache.Open(progcache.Config{Path: cacheDir})
	if err != nil {
		return err
	}
	defer cache.Close()

	key := progcache.KeyFor(prog)
	if ok, err := cache.Has(key); err == nil && ok {
		log.Printf("program %s found in cache, skipping verification", key)
		return nil
	}
	if err := verifier.CheckProgram(prog, cfg); err != nil {
		return err
	}
	if _, err := cache.Put(prog); err != nil {
		return err
	}
	log.Printf("program %s verified and cached", key)
	return nil
}

func cmdVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	cfg := vmFlags(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("verify: expected exactly one program file")
	}
	prog, err := loadProgram(fs.Arg(0))
	if err != nil {
		return err
	}
	if err := verifier.CheckProgram(prog, *cfg); err != nil {
		return err
	}
	fmt.Printf("%s: ok (%d instructions, %d functions)\n", fs.Arg(0), len(prog.Text), len(prog.Functions))
	return nil
}

func cmdDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("dump: expected exactly one program file")
	}
	prog, err := loadProgram(fs.Arg(0))
	if err != nil {
		return err
	}

	fmt.Printf("entry: %d\n", prog.Entry)
	if len(prog.Functions) > 0 {
		fmt.Println("functions:")
		for hash, pc := range prog.Functions {
			fmt.Printf("  %#08x -> %d\n", hash, pc)
		}
	}
	fmt.Print(ebpf.Disasm(prog.Text))
	return nil
}

// loadProgram reads an ELF object or flat bytecode from path.
func loadProgram(path string) (*vm.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, elfMagic) {
		mod, err := elfload.Load(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return mod.Program, nil
	}
	if len(data) == 0 || len(data)%8 != 0 {
		return nil, fmt.Errorf("%s: flat bytecode must be a non-empty multiple of 8 bytes", path)
	}
	text := make([]uint64, len(data)/8)
	for i := range text {
		text[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	return vm.NewProgram(text), nil
}
