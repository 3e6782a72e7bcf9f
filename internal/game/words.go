package game

import "crypto/rand"

// wordPool is the fixed secret-word pool named in spec Glossary.
var wordPool = []string{
	"apple", "river", "castle", "forest", "banana", "mountain",
	"desert", "ocean", "piano", "rocket", "garden", "island",
}

// pickSecretWord chooses uniformly at random from wordPool using a
// cryptographic RNG.
func pickSecretWord() (string, error) {
	idx, err := randIndex(len(wordPool))
	if err != nil {
		return "", err
	}
	return wordPool[idx], nil
}

// randIndex returns a cryptographically random index in [0, n).
func randIndex(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	// Rejection sampling against a byte avoids modulo bias for our small n.
	limit := 256 - (256 % n)
	buf := make([]byte, 1)
	for {
		if _, err := rand.Read(buf); err != nil {
			return 0, err
		}
		if int(buf[0]) < limit {
			return int(buf[0]) % n, nil
		}
	}
}

// shuffle performs a Fisher-Yates shuffle using a cryptographic RNG,
// mutating order in place.
func shuffle(order []string) error {
	for i := len(order) - 1; i > 0; i-- {
		j, err := randIndex(i + 1)
		if err != nil {
			return err
		}
		order[i], order[j] = order[j], order[i]
	}
	return nil
}
