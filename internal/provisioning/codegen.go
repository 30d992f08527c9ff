package provisioning

import (
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/provisio/provisio/internal/core"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	// GeneratedCodeLength is the length of system-assigned tenant codes.
	GeneratedCodeLength = 5

	// maxCodeAttempts bounds the collision retry loop. The code space is
	// far larger than any realistic tenant count, so hitting the bound
	// means something else is wrong.
	maxCodeAttempts = 10
)

// GenerateID produces a new opaque record identifier.
func GenerateID() string {
	return uuid.New().String()
}

// GenerateCode draws a random code from the fixed alphabet, retrying on
// collision with existing codes up to maxCodeAttempts times.
func GenerateCode(existing map[string]struct{}, length int) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code := randomCode(length)
		if _, taken := existing[code]; !taken {
			return code, nil
		}
	}
	return "", core.ErrCodeExhausted
}

func randomCode(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = codeAlphabet[rand.IntN(len(codeAlphabet))]
	}
	return string(b)
}

// CodeSet builds the collision-check set from a list of codes in use.
func CodeSet(codes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return set
}
