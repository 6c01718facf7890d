package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/lowBitdev/Bfi/bf"
)

var (
	filename    string
	tape_length int
)

func init() {
	flag.StringVar(&filename, "file", "", "brainfuck source file")
	flag.IntVar(&tape_length, "tape", 0, "tape length (0 sizes the tape to the program)")
}

func main() {
	flag.Parse()
	if filename == "" {
		fmt.Fprintln(os.Stderr, "Please provide a filename using the -file flag.")
		os.Exit(2)
	}

	source, err := os.ReadFile(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read %q: %v\n", filename, err)
		os.Exit(1)
	}

	jumps, err := bf.BuildJumpTable(source)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	length := tape_length
	if length <= 0 {
		length = len(source)
	}

	bf.NewInterpreter(source, jumps, length, os.Stdin, os.Stdout).Run()
}
