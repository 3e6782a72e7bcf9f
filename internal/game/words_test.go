package game

import "testing"

func TestPickSecretWordIsFromPool(t *testing.T) {
	word, err := pickSecretWord()
	if err != nil {
		t.Fatalf("pickSecretWord: %v", err)
	}
	if !contains(wordPool, word) {
		t.Fatalf("pickSecretWord returned %q, not in wordPool", word)
	}
}

func TestRandIndexStaysInBounds(t *testing.T) {
	for n := 1; n <= 12; n++ {
		for i := 0; i < 200; i++ {
			idx, err := randIndex(n)
			if err != nil {
				t.Fatalf("randIndex(%d): %v", n, err)
			}
			if idx < 0 || idx >= n {
				t.Fatalf("randIndex(%d) = %d, out of bounds", n, idx)
			}
		}
	}
}

func TestShufflePreservesElementsAndLength(t *testing.T) {
	order := []string{"a", "b", "c", "d", "e"}
	original := append([]string(nil), order...)
	if err := shuffle(order); err != nil {
		t.Fatalf("shuffle: %v", err)
	}
	if len(order) != len(original) {
		t.Fatalf("shuffle changed length: %v", order)
	}
	for _, v := range original {
		if !contains(order, v) {
			t.Fatalf("shuffle lost element %q: result %v", v, order)
		}
	}
}

func TestShuffleSingleElementIsNoop(t *testing.T) {
	order := []string{"only"}
	if err := shuffle(order); err != nil {
		t.Fatalf("shuffle: %v", err)
	}
	if order[0] != "only" {
		t.Fatalf("shuffle of single element changed it: %v", order)
	}
}
