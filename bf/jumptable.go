package bf

import "fmt"

// JumpTable maps the index of each bracket instruction to the index of
// its match. Entries at non-bracket positions are zero and are never
// consulted during execution.
type JumpTable []int

// UnmatchedCloseError reports a ']' with no unmatched '[' before it.
type UnmatchedCloseError struct {
	Index int
}

func (e *UnmatchedCloseError) Error() string {
	return fmt.Sprintf("unmatched '%s' at %d", LoopEnd, e.Index)
}

// UnmatchedOpenError reports the innermost '[' still open at the end
// of the program.
type UnmatchedOpenError struct {
	Index int
}

func (e *UnmatchedOpenError) Error() string {
	return fmt.Sprintf("unmatched '%s' at %d", LoopStart, e.Index)
}

// BuildJumpTable pairs every LoopStart with its LoopEnd in a single
// left-to-right pass over the raw program bytes. The table is
// symmetric: table[table[i]] == i for every bracket index i.
func BuildJumpTable(program []byte) (JumpTable, error) {
	jumps := make(JumpTable, len(program))

	// Indices of the yet-unmatched '['s. Worst case every byte is a
	// '[', so a single capacity hint covers the whole scan.
	stack := make([]int, 0, len(program))

	for i, c := range program {
		switch Command(c) {
		case LoopStart:
			stack = append(stack, i)
		case LoopEnd:
			if len(stack) == 0 {
				return nil, &UnmatchedCloseError{Index: i}
			}
			open := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			jumps[open] = i
			jumps[i] = open
		}
	}

	if len(stack) != 0 {
		return nil, &UnmatchedOpenError{Index: stack[len(stack)-1]}
	}

	return jumps, nil
}
