// Package idgen generates job, target and artifact identifiers.
//
// Constructors accept a Generator so tests can pin IDs.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 version 7 UUIDs. They sort by
// creation time.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Short returns a Generator of lowercase base-36 IDs of length n.
func Short(n int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand: " + err.Error())
		}
		for i, b := range buf {
			buf[i] = alphabet[int(b)%len(alphabet)]
		}
		return string(buf)
	}
}

// Prefixed prepends prefix to every ID of gen ("job_", "art_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Timestamped prefixes every ID of gen with the UTC time, so keys built
// from it never collide with an earlier upload and list in order.
func Timestamped(gen Generator) Generator {
	return timestamped(gen, time.Now)
}

func timestamped(gen Generator, now func() time.Time) Generator {
	return func() string {
		return now().UTC().Format("20060102T150405Z") + "_" + gen()
	}
}

// Sequence returns a Generator yielding prefix-1, prefix-2, ... for tests.
// It is safe for concurrent use.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

// Default is the generator used by New.
var Default Generator = UUIDv7()

// New produces an ID with Default.
func New() string { return Default() }

// ArtifactKey builds a storage key for an artifact of jobID:
// "<job>/<timestamp>_<short>.<ext>". Unsafe path characters in jobID are
// replaced.
func ArtifactKey(gen Generator, jobID, ext string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, jobID)
	if safe == "" {
		safe = "_"
	}
	return safe + "/" + gen() + "." + strings.TrimPrefix(ext, ".")
}

// Parse validates a UUID string.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid UUID: %w", err)
	}
	return u.String(), nil
}
