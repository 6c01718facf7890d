package bf

import (
	"context"
	"fmt"
	"io"
	"os"
)

// comptime override for debug flag
// set with `-ldflags="-X 'github.com/lowBitdev/Bfi/bf.debug=true'"`
var debug string

// flusher is the optional interface of buffered output streams. Output
// is flushed after every written byte so it is visible before the next
// input read.
type flusher interface {
	Flush() error
}

type Interpreter struct {
	Program     []byte
	jumps       JumpTable
	program_ptr int
	tape        []uint8
	tape_ptr    int
	Input       io.Reader
	Output      io.Writer

	read_buf  [1]byte
	write_buf [1]byte
}

// NewInterpreter wires a program and its pre-built jump table to a
// zero-filled tape of the given length (coerced to at least 1) and the
// given streams. Either stream may be nil: a nil output drops writes
// and a nil input reads as end-of-stream.
func NewInterpreter(program []byte, jumps JumpTable, tape_length int, input io.Reader, output io.Writer) *Interpreter {
	if tape_length < 1 {
		tape_length = 1
	}
	return &Interpreter{
		Program:     program,
		jumps:       jumps,
		program_ptr: 0,
		tape:        make([]uint8, tape_length),
		tape_ptr:    0,
		Input:       input,
		Output:      output,
	}
}

func (i *Interpreter) Reset() {
	i.program_ptr = 0
	i.tape_ptr = 0
	for j := range i.tape {
		i.tape[j] = 0
	}
}

func (i *Interpreter) TapeLength() int {
	return len(i.tape)
}

func wrap_index(j int, N int) int {
	for j >= N {
		j -= N
	}
	for j < 0 {
		j += N
	}
	return j
}

// Index the tape
func (i *Interpreter) At(j int) uint8 {
	return i.tape[wrap_index(j, i.TapeLength())]
}

// Write a debug message to stderr if debug is enabled
func logf(format string, args ...interface{}) {
	if debug != "" {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Run the program until the instruction pointer walks off the end or
// the context is cancelled. The jump table is assumed validated by
// BuildJumpTable, so jump targets need no bounds checks, and tape
// movement wraps, so no cursor value is out of range either.
func (i *Interpreter) RunContext(ctx context.Context) {
	for i.program_ptr < len(i.Program) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		switch Command(i.Program[i.program_ptr]) {
		case Increment:
			i.tape[i.tape_ptr]++
		case Decrement:
			i.tape[i.tape_ptr]--
		case Right:
			i.tape_ptr++
			if i.tape_ptr >= len(i.tape) {
				i.tape_ptr = 0
			}
		case Left:
			if i.tape_ptr == 0 {
				i.tape_ptr = len(i.tape) - 1
			} else {
				i.tape_ptr--
			}
		case Output:
			i.writeByte(i.tape[i.tape_ptr])
		case Input:
			i.tape[i.tape_ptr] = i.readByte()
		case LoopStart:
			if i.tape[i.tape_ptr] == 0 {
				i.program_ptr = i.jumps[i.program_ptr]
			}
		case LoopEnd:
			if i.tape[i.tape_ptr] != 0 {
				i.program_ptr = i.jumps[i.program_ptr]
			}
		default:
			// not an instruction
		}
		// Unconditional, also right after a jump: execution resumes one
		// past the matched bracket, never on the bracket itself.
		i.program_ptr++
	}
}

func (i *Interpreter) Run() {
	i.RunContext(context.Background())
}

func (i *Interpreter) writeByte(b uint8) {
	if i.Output == nil {
		return
	}
	i.write_buf[0] = b
	if _, err := i.Output.Write(i.write_buf[:]); err != nil {
		logf("error writing output: %v\n", err)
		return
	}
	if f, ok := i.Output.(flusher); ok {
		if err := f.Flush(); err != nil {
			logf("error flushing output: %v\n", err)
		}
	}
}

// readByte reads one byte from the input stream. End-of-stream reads
// as 0, as does a broken stream, so an exhausted input never aborts
// the run.
func (i *Interpreter) readByte() uint8 {
	if i.Input == nil {
		return 0
	}
	for {
		n, err := i.Input.Read(i.read_buf[:])
		if n > 0 {
			return i.read_buf[0]
		}
		if err != nil {
			if err != io.EOF {
				logf("error reading input: %v\n", err)
			}
			return 0
		}
	}
}
