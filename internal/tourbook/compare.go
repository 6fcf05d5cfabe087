package tourbook

import (
	"cmp"
	"strings"
)

// Compare orders tour leaves by start time, then by import file path.
// Two leaves compare equal only when both keys are identical.
func Compare(a, b *Leaf) int {
	if c := cmp.Compare(a.StartTime, b.StartTime); c != 0 {
		return c
	}
	return strings.Compare(a.ImportFilePath, b.ImportFilePath)
}

// compareNodes applies Compare to two tour nodes.
func compareNodes(a, b *Node) int {
	return Compare(a.leaf, b.leaf)
}
