package provision

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// adjectives and nouns back a minimal pet-name generator for device ids
// that have neither a configured value nor a TLS certificate CN to borrow.
// No pet-name library appears anywhere in the retrieved corpus (see
// DESIGN.md), so this stays a small stdlib word list seeded from
// crypto/rand rather than reaching for math/rand.
var adjectives = []string{
	"amber", "brisk", "cobalt", "dusty", "ember", "frosty", "gilded",
	"hollow", "ionic", "jagged", "keen", "lucid", "mellow", "nimble",
	"olive", "pale", "quiet", "rustic", "sable", "tidal",
}

var nouns = []string{
	"falcon", "garnet", "harbor", "ibis", "juniper", "kestrel", "lantern",
	"maple", "nimbus", "osprey", "pebble", "quartz", "raven", "sparrow",
	"thicket", "urchin", "violet", "willow", "xylem", "yucca",
}

// generatePetName returns a two-word, hyphenated device id with a short
// random suffix, e.g. "brisk-kestrel-7f3a".
func generatePetName() (string, error) {
	adj, err := pick(adjectives)
	if err != nil {
		return "", err
	}
	noun, err := pick(nouns)
	if err != nil {
		return "", err
	}
	suffix := make([]byte, 2)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%x", adj, noun, suffix), nil
}

func pick(words []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return "", err
	}
	return words[n.Int64()], nil
}
