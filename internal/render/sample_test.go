package render

import (
	"sort"
	"testing"
)

func TestCellHash(t *testing.T) {
	if cellHash(42, 7) != cellHash(42, 7) {
		t.Error("cellHash is not deterministic")
	}
	if cellHash(42, 7) == cellHash(43, 7) {
		t.Error("different seeds should produce different hashes")
	}
	if cellHash(42, 7) == cellHash(42, 8) {
		t.Error("different columns should produce different hashes")
	}
}

func TestSampleColumns(t *testing.T) {
	all := SampleColumns(5, 10, 1)
	if len(all) != 5 || all[0] != 0 || all[4] != 4 {
		t.Fatalf("k >= n should return every column, got %v", all)
	}
	if got := SampleColumns(5, 0, 1); got != nil {
		t.Errorf("k = 0 should return nil, got %v", got)
	}

	s1 := SampleColumns(1000, 50, 42)
	s2 := SampleColumns(1000, 50, 42)
	if len(s1) != 50 {
		t.Fatalf("len = %d, want 50", len(s1))
	}
	if !sort.IntsAreSorted(s1) {
		t.Error("sample is not sorted")
	}
	seen := map[int]bool{}
	for i := range s1 {
		if s1[i] != s2[i] {
			t.Fatalf("samples differ at %d: %d != %d", i, s1[i], s2[i])
		}
		if seen[s1[i]] {
			t.Fatalf("duplicate column %d", s1[i])
		}
		seen[s1[i]] = true
	}

	s3 := SampleColumns(1000, 50, 43)
	same := 0
	for i := range s1 {
		if s1[i] == s3[i] {
			same++
		}
	}
	if same == len(s1) {
		t.Error("different seeds should produce different samples")
	}
}
