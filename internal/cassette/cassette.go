// Package cassette implements the interaction replay cache. A [Manager]
// sits in front of an [llm.Client] and, depending on its [Mode],
// replays recorded model responses from a [Cassette], records live
// responses into one, or does both. Replays are matched by request hash
// and consumed in call order, so the same request issued twice in a
// conversation is answered by two different recordings.
package cassette

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/steward/internal/llm"
)

// FormatVersion is the cassette format written by this package. Loading
// a cassette with a higher version fails.
const FormatVersion = 1

// Mode selects how a [Manager] treats model calls.
type Mode string

const (
	// ModeOff passes every call through to the live client.
	ModeOff Mode = "off"
	// ModeRecord performs live calls and appends them to the cassette.
	ModeRecord Mode = "record"
	// ModePlayback answers only from the cassette; a miss is fatal.
	ModePlayback Mode = "playback"
	// ModeAuto replays when possible and records on a miss.
	ModeAuto Mode = "auto"
)

// ParseMode converts a configuration string to a Mode. The empty string
// is [ModeOff].
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeOff, nil
	case ModeOff, ModeRecord, ModePlayback, ModeAuto:
		return m, nil
	default:
		return "", fmt.Errorf("unknown cassette mode %q (want off, record, playback, or auto)", s)
	}
}

// Request is the hashed part of a model call.
type Request struct {
	Model        string        `json:"model"`
	SystemPrompt string        `json:"systemPrompt"`
	Messages     []llm.Message `json:"messages"`
}

// Metadata describes when and how fast an interaction was recorded.
type Metadata struct {
	RecordedAt     time.Time `json:"recordedAt"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
}

// Interaction is one recorded model call.
type Interaction struct {
	RequestHash string   `json:"requestHash"`
	Request     Request  `json:"request"`
	Response    string   `json:"response"`
	Metadata    Metadata `json:"metadata"`
}

// Cassette is an ordered recording of model calls for one scenario.
type Cassette struct {
	Version      int           `json:"version"`
	TestName     string        `json:"testName"`
	CreatedAt    time.Time     `json:"createdAt"`
	FrozenTime   time.Time     `json:"frozenTime"`
	Interactions []Interaction `json:"interactions"`
}

// New returns an empty cassette frozen at the given instant, truncated
// to whole seconds.
func New(name string, frozen time.Time) *Cassette {
	frozen = frozen.UTC().Truncate(time.Second)
	return &Cassette{
		Version:      FormatVersion,
		TestName:     name,
		CreatedAt:    frozen,
		FrozenTime:   frozen,
		Interactions: []Interaction{},
	}
}

// Decode parses a stored cassette and checks its format version.
func Decode(data []byte) (*Cassette, error) {
	var c Cassette
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode cassette: %w", err)
	}
	if c.Version > FormatVersion {
		return nil, fmt.Errorf("cassette %q has format version %d, newest supported is %d",
			c.TestName, c.Version, FormatVersion)
	}
	if c.Version == 0 {
		c.Version = FormatVersion
	}
	if c.Interactions == nil {
		c.Interactions = []Interaction{}
	}
	return &c, nil
}

// Encode renders the cassette as indented JSON with a trailing newline.
func (c *Cassette) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode cassette: %w", err)
	}
	return append(data, '\n'), nil
}

// NewRequest splits a chat call into the hashed request shape.
func NewRequest(model string, messages []llm.Message) Request {
	system, rest := llm.SplitSystem(messages)
	return Request{
		Model:        model,
		SystemPrompt: system,
		Messages:     normalizeMessages(rest),
	}
}

// Hash returns the hex SHA-256 of the request's canonical JSON form.
// Roles are lower-cased and content has line endings normalized and
// surrounding whitespace trimmed, so cosmetic differences do not change
// the hash.
func Hash(req Request) string {
	canonical := struct {
		Model        string        `json:"model"`
		SystemPrompt string        `json:"systemPrompt"`
		Messages     []llm.Message `json:"messages"`
	}{
		Model:        req.Model,
		SystemPrompt: normalizeText(req.SystemPrompt),
		Messages:     normalizeMessages(req.Messages),
	}
	// Marshal of strings and string slices cannot fail.
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalizeMessages(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{
			Role:    strings.ToLower(strings.TrimSpace(m.Role)),
			Content: normalizeText(m.Content),
		}
	}
	return out
}

func normalizeText(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}
