package bf_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/lowBitdev/Bfi/bf"
	"github.com/lowBitdev/Bfi/utils"
)

func mustInterpreter(t *testing.T, source string, tape_length int, input io.Reader, output io.Writer) *bf.Interpreter {
	t.Helper()
	jumps, err := bf.BuildJumpTable([]byte(source))
	utils.AssertNoError(t, err)
	return bf.NewInterpreter([]byte(source), jumps, tape_length, input, output)
}

func TestInterpreter_OutputEmptyInterpreter(t *testing.T) {
	interpreter := mustInterpreter(t, ".", 1, nil, nil)
	interpreter.Run()
}

func TestInterpreter_InputEmptyInterpreter(t *testing.T) {
	interpreter := mustInterpreter(t, ",", 1, nil, nil)
	interpreter.Run()
	utils.AssertEqual(t, interpreter.At(0), 0)
}

func TestInterpreter_Increment(t *testing.T) {
	interpreter := mustInterpreter(t, "+", 1, nil, nil)
	utils.AssertEqual(t, interpreter.At(0), 0)
	interpreter.Run()
	utils.AssertEqual(t, interpreter.At(0), 1)
}

func TestInterpreter_Decrement(t *testing.T) {
	interpreter := mustInterpreter(t, "-", 1, nil, nil)
	utils.AssertEqual(t, interpreter.At(0), 0)
	interpreter.Run()
	utils.AssertEqual(t, interpreter.At(0), 255)
}

func TestInterpreter_IncrementDecrement(t *testing.T) {
	interpreter := mustInterpreter(t, "+-", 1, nil, nil)
	interpreter.Run()
	utils.AssertEqual(t, interpreter.At(0), 0)
}

func TestInterpreter_IncrementDecrementWraps(t *testing.T) {
	// Same property starting from 255.
	interpreter := mustInterpreter(t, "-+-", 1, nil, nil)
	interpreter.Run()
	utils.AssertEqual(t, interpreter.At(0), 255)
}

func TestInterpreter_MoveRight(t *testing.T) {
	interpreter := mustInterpreter(t, ">+", 3, nil, nil)
	interpreter.Run()
	utils.AssertEqual(t, interpreter.At(0), 0)
	utils.AssertEqual(t, interpreter.At(1), 1)
}

func TestInterpreter_MoveRightWraps(t *testing.T) {
	interpreter := mustInterpreter(t, "+>>>+", 3, nil, nil)
	interpreter.Run()
	utils.AssertEqual(t, interpreter.At(0), 2)
}

func TestInterpreter_MoveRightWrapsToOutput(t *testing.T) {
	// Moving right off the last cell lands on cursor 0.
	var output bytes.Buffer
	interpreter := mustInterpreter(t, "+>>.", 2, nil, &output)
	interpreter.Run()
	utils.AssertEqualArrays(t, output.Bytes(), []byte{1})
}

func TestInterpreter_MoveLeftWraps(t *testing.T) {
	interpreter := mustInterpreter(t, "<+", 3, nil, nil)
	interpreter.Run()
	utils.AssertEqual(t, interpreter.At(0), 0)
	utils.AssertEqual(t, interpreter.At(-1), 1)
	utils.AssertEqual(t, interpreter.At(2), 1)
}

func TestInterpreter_Loop(t *testing.T) {
	// +++[->+<]
	interpreter := mustInterpreter(t, "+++[->+<]", 2, nil, nil)
	interpreter.Run()
	utils.AssertEqual(t, interpreter.At(0), 0)
	utils.AssertEqual(t, interpreter.At(1), 3)
}

func TestInterpreter_LoopSkippedOnZero(t *testing.T) {
	var output bytes.Buffer
	interpreter := mustInterpreter(t, "[.]", 1, nil, &output)
	interpreter.Run()
	utils.AssertEqual(t, output.Len(), 0)
}

func TestInterpreter_LoopDrainsCell(t *testing.T) {
	interpreter := mustInterpreter(t, "++++[-]", 1, nil, nil)
	interpreter.Run()
	utils.AssertEqual(t, interpreter.At(0), 0)
}

func TestInterpreter_EOFWritesZero(t *testing.T) {
	// End-of-stream reads as 0 and execution continues.
	var output bytes.Buffer
	interpreter := mustInterpreter(t, "+,.", 1, bytes.NewReader(nil), &output)
	interpreter.Run()
	utils.AssertEqualArrays(t, output.Bytes(), []byte{0})
}

func TestInterpreter_Echo(t *testing.T) {
	var output bytes.Buffer
	interpreter := mustInterpreter(t, ",.", 1, bytes.NewReader([]byte{65}), &output)
	interpreter.Run()
	utils.AssertEqualArrays(t, output.Bytes(), []byte{65})
}

func TestInterpreter_CommentsAreNoOps(t *testing.T) {
	interpreter := mustInterpreter(t, "a+b+c", 1, nil, nil)
	interpreter.Run()
	utils.AssertEqual(t, interpreter.At(0), 2)
}

func TestInterpreter_TapeLengthCoerced(t *testing.T) {
	interpreter := bf.NewInterpreter(nil, nil, 0, nil, nil)
	utils.AssertEqual(t, interpreter.TapeLength(), 1)
}

func TestInterpreter_Reset(t *testing.T) {
	interpreter := mustInterpreter(t, "+", 1, nil, nil)
	interpreter.Run()
	utils.AssertEqual(t, interpreter.At(0), 1)
	interpreter.Reset()
	utils.AssertEqual(t, interpreter.At(0), 0)
	interpreter.Run()
	utils.AssertEqual(t, interpreter.At(0), 1)
}

func TestInterpreter_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	interpreter := mustInterpreter(t, "+", 1, nil, nil)
	interpreter.RunContext(ctx)
	utils.AssertEqual(t, interpreter.At(0), 0)
}

type flushWriter struct {
	bytes.Buffer
	flushes int
}

func (w *flushWriter) Flush() error {
	w.flushes++
	return nil
}

func TestInterpreter_OutputFlushesEveryByte(t *testing.T) {
	var output flushWriter
	interpreter := mustInterpreter(t, "+..", 1, nil, &output)
	interpreter.Run()
	utils.AssertEqualArrays(t, output.Bytes(), []byte{1, 1})
	utils.AssertEqual(t, output.flushes, 2)
}
