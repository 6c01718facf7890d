package bf

import (
	"context"
	"io"
)

// Run executes source against the given streams. The tape is sized to
// the program length (minimum 1). If bracket matching fails, no
// instruction is executed and the error is returned.
func Run(source []byte, input io.Reader, output io.Writer) error {
	return RunContext(context.Background(), source, input, output)
}

func RunContext(ctx context.Context, source []byte, input io.Reader, output io.Writer) error {
	jumps, err := BuildJumpTable(source)
	if err != nil {
		return err
	}

	interpreter := NewInterpreter(source, jumps, len(source), input, output)
	interpreter.RunContext(ctx)

	return nil
}
