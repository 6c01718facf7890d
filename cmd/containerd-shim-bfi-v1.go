package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lowBitdev/Bfi/bf"
	bfshim "github.com/lowBitdev/Bfi/shim"

	"github.com/containerd/containerd/v2/pkg/shim"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Maybe hijack the shim binary to run as a plain interpreter. The
	// shim re-executes itself this way as the container init process.
	if run, args := isRunArg(os.Args[1:]); run {
		os.Exit(runInterpreter(ctx, args))
	}

	shim.Run(ctx, bfshim.NewManager("io.containerd.bfi.v1"))
}

///////////////

func isRunArg(args []string) (bool, []string) {
	for i, arg := range args {
		if arg == "run" {
			return true, append(args[:i], args[i+1:]...)
		}
	}
	return false, args
}

var (
	filename    string
	tape_length int
)

func parseRunFlags(args []string) error {
	my_flagset := flag.NewFlagSet("run", flag.ContinueOnError)
	my_flagset.StringVar(&filename, "file", "", "brainfuck source file")
	my_flagset.IntVar(&tape_length, "tape", 0, "tape length (0 sizes the tape to the program)")
	return my_flagset.Parse(args)
}

// runInterpreter runs a brainfuck source file against the process
// streams and returns the process exit code: 2 for usage errors, 1
// for an unreadable file or a bracket mismatch, 0 otherwise.
func runInterpreter(ctx context.Context, args []string) int {
	if err := parseRunFlags(args); err != nil {
		return 2
	}

	if filename == "" {
		fmt.Fprintln(os.Stderr, "invalid argument: -file is required")
		return 2
	}

	source, err := os.ReadFile(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read %q: %v\n", filename, err)
		return 1
	}

	jumps, err := bf.BuildJumpTable(source)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	length := tape_length
	if length <= 0 {
		length = len(source)
	}

	bf.NewInterpreter(source, jumps, length, os.Stdin, os.Stdout).RunContext(ctx)
	return 0
}
