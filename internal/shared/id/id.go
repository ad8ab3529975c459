// Package id generates the identifiers the broker hands out.
//
//   - RouDiID: one ULID per broker instance, prefixed "roudi_". It is
//     stamped into every segment header and every registration reply so a
//     client can tell a restarted broker from the one it registered with.
//   - PortID: a random UUID per port slot grant.
//   - SessionCounter: the broker-owned monotonic session id source.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// RouDiID identifies one broker instance.
type RouDiID string

// PortID identifies one granted port.
type PortID string

const (
	RouDiPrefix = "roudi"

	// RouDiIDLength is len("roudi_") plus a 26-character ULID.
	RouDiIDLength = len(RouDiPrefix) + 1 + ulid.EncodedSize
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source.
// Useful for testing with deterministic entropy
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewRouDiID generates a broker instance id.
func NewRouDiID() RouDiID {
	return RouDiID(Default().GenerateWithPrefix(RouDiPrefix))
}

// NewPortID generates a port id.
func NewPortID() PortID {
	return PortID(uuid.NewString())
}

func (id RouDiID) String() string { return string(id) }
func (id PortID) String() string  { return string(id) }

// Bytes returns the 16 raw UUID bytes, or zeros for a malformed id.
func (id PortID) Bytes() [16]byte {
	parsed, err := uuid.Parse(string(id))
	if err != nil {
		return [16]byte{}
	}
	return parsed
}

// PortIDFromBytes is the inverse of PortID.Bytes.
func PortIDFromBytes(b [16]byte) PortID {
	if b == ([16]byte{}) {
		return ""
	}
	return PortID(uuid.UUID(b).String())
}

// IsValidRouDiID checks the prefix and the ULID part.
func IsValidRouDiID(id string) bool {
	rest, ok := strings.CutPrefix(id, RouDiPrefix+"_")
	if !ok {
		return false
	}
	_, err := ulid.Parse(rest)
	return err == nil
}

// Timestamp extracts the creation time of a broker id.
func Timestamp(id RouDiID) (time.Time, error) {
	parsed, err := ulid.Parse(strings.TrimPrefix(string(id), RouDiPrefix+"_"))
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

// SessionCounter yields strictly increasing, consecutive session ids.
// Each broker owns exactly one; zero is never issued.
type SessionCounter struct {
	last atomic.Uint64
}

// Next returns the next session id.
func (c *SessionCounter) Next() uint64 {
	return c.last.Add(1)
}

// Last returns the most recently issued id, or zero.
func (c *SessionCounter) Last() uint64 {
	return c.last.Load()
}
