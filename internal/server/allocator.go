package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
)

// subdomainPattern is the format accepted from clients (?subdomain= query).
var subdomainPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

var adjectives = []string{
	"brave", "calm", "clever", "eager", "fancy", "gentle", "happy", "jolly",
	"kind", "lively", "merry", "nimble", "proud", "quick", "quiet", "rapid",
	"shiny", "sleek", "sunny", "swift", "tidy", "witty",
}

var nouns = []string{
	"badger", "bear", "crane", "deer", "eagle", "ferret", "fox", "hare",
	"heron", "lynx", "marten", "otter", "owl", "panda", "raven", "robin",
	"seal", "stoat", "swan", "tiger", "wolf", "wren",
}

// newSubdomain generates an adjective-noun-hex4 name. Collisions are not
// checked here; the registry's uniqueness check is the authoritative guard
// and the caller allocates again on the rare hit.
func newSubdomain() string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	adj := adjectives[int(buf[0])%len(adjectives)]
	noun := nouns[int(buf[1])%len(nouns)]
	return fmt.Sprintf("%s-%s-%s", adj, noun, hex.EncodeToString(buf[2:]))
}

// validSubdomain reports whether s is an acceptable subdomain label.
func validSubdomain(s string) bool {
	return s != "" && subdomainPattern.MatchString(s)
}
