package merkle

import "testing"

func TestRootStable(t *testing.T) {
	leaves := []string{"111", "222", "333", "444"}
	if Root(leaves) != Root(leaves) {
		t.Fatal("root must be deterministic")
	}
}

func TestRootOrderSensitive(t *testing.T) {
	a := Root([]string{"111", "222"})
	b := Root([]string{"222", "111"})
	if a == b {
		t.Fatal("root must depend on leaf order")
	}
}

func TestRootOddLevelDuplicatesLast(t *testing.T) {
	odd := Root([]string{"a", "b", "c"})
	padded := Root([]string{"a", "b", "c", "c"})
	if odd != padded {
		t.Errorf("odd level must duplicate last leaf: %s != %s", odd, padded)
	}
}

func TestRootSingleLeaf(t *testing.T) {
	root := Root([]string{"12345"})
	if root == "12345" {
		t.Fatal("single leaf must still be hashed")
	}
	if len(root) != 64 {
		t.Errorf("root must be hex sha256, got %d chars", len(root))
	}
}

func TestRootEmptyDefined(t *testing.T) {
	if Root(nil) == "" {
		t.Fatal("empty leaf list must yield a defined root")
	}
}

func TestRootInputNotMutated(t *testing.T) {
	leaves := []string{"1", "2", "3"}
	Root(leaves)
	if leaves[0] != "1" || leaves[1] != "2" || leaves[2] != "3" || len(leaves) != 3 {
		t.Fatal("Root must not mutate its input")
	}
}
