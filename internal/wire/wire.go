// Package wire defines the Transit negotiation messages exchanged over the
// Wormhole mailbox and their exact JSON encoding.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Ability is a transport capability a peer claims.
type Ability string

// The abilities Transit knows about.
const (
	AbilityDirectTCPV1 Ability = "direct-tcp-v1"
	AbilityRelayV1     Ability = "relay-v1"
)

var (
	// ErrSchema is returned when a message fails to decode or is missing
	// a required field.
	ErrSchema = errors.New("transit message schema error")

	// ErrUnexpectedMessage is returned when a well-formed message arrives
	// out of protocol order.
	ErrUnexpectedMessage = errors.New("unexpected transit message")
)

// Hint is a single reachable endpoint a peer advertises.
type Hint struct {
	Type     Ability `json:"type"`
	Priority float64 `json:"priority"`
	Hostname string  `json:"hostname"`
	Port     uint16  `json:"port"`
}

// Addr returns the dialable host:port form of the hint.
func (h Hint) Addr() string {
	return fmt.Sprintf("%s:%d", h.Hostname, h.Port)
}

// ConnectionHint is the tagged variant carried in hints-v1: either a single
// Direct endpoint or a Relay server offering one or more entry points. The
// wire form is an untagged union: a Direct hint serializes as the bare Hint
// object, a Relay hint as {"type":"relay-v1","hints":[...]}.
type ConnectionHint struct {
	Type   Ability
	Direct Hint   // valid when Type == AbilityDirectTCPV1
	Relay  []Hint // valid when Type == AbilityRelayV1
}

// DirectHint builds a Direct connection hint.
func DirectHint(hostname string, port uint16, priority float64) ConnectionHint {
	return ConnectionHint{
		Type: AbilityDirectTCPV1,
		Direct: Hint{
			Type:     AbilityDirectTCPV1,
			Priority: priority,
			Hostname: hostname,
			Port:     port,
		},
	}
}

// RelayHint builds a Relay connection hint from its entry points.
func RelayHint(hints ...Hint) ConnectionHint {
	return ConnectionHint{Type: AbilityRelayV1, Relay: hints}
}

// MarshalJSON implements the untagged union encoding.
func (c ConnectionHint) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case AbilityDirectTCPV1:
		return json.Marshal(c.Direct)
	case AbilityRelayV1:
		return json.Marshal(struct {
			Type  Ability `json:"type"`
			Hints []Hint  `json:"hints"`
		}{Type: AbilityRelayV1, Hints: c.Relay})
	default:
		return nil, fmt.Errorf("%w: unknown hint type %q", ErrSchema, c.Type)
	}
}

// UnmarshalJSON implements the untagged union decoding. Unknown object keys
// are ignored; a missing type, hostname, or port is a schema error.
func (c *ConnectionHint) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type     Ability `json:"type"`
		Priority float64 `json:"priority"`
		Hostname string  `json:"hostname"`
		Port     uint16  `json:"port"`
		Hints    []Hint  `json:"hints"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}

	switch probe.Type {
	case AbilityRelayV1:
		if probe.Hints == nil {
			return fmt.Errorf("%w: relay hint missing hints", ErrSchema)
		}
		for _, h := range probe.Hints {
			if h.Hostname == "" || h.Port == 0 {
				return fmt.Errorf("%w: relay entry missing hostname or port", ErrSchema)
			}
		}
		*c = ConnectionHint{Type: AbilityRelayV1, Relay: probe.Hints}
		return nil
	case AbilityDirectTCPV1:
		if probe.Hostname == "" || probe.Port == 0 {
			return fmt.Errorf("%w: direct hint missing hostname or port", ErrSchema)
		}
		*c = DirectHint(probe.Hostname, probe.Port, probe.Priority)
		return nil
	case "":
		return fmt.Errorf("%w: hint missing type", ErrSchema)
	default:
		return fmt.Errorf("%w: unknown hint type %q", ErrSchema, probe.Type)
	}
}

// Compare orders connection hints for set storage: all Direct hints compare
// equal to each other and less than any Relay; two Relays compare by their
// hint lists.
func (c ConnectionHint) Compare(other ConnectionHint) int {
	if c.Type == AbilityDirectTCPV1 && other.Type == AbilityDirectTCPV1 {
		return 0
	}
	if c.Type == AbilityDirectTCPV1 {
		return -1
	}
	if other.Type == AbilityDirectTCPV1 {
		return 1
	}
	return compareHintLists(c.Relay, other.Relay)
}

func compareHintLists(a, b []Hint) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareHints(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func compareHints(a, b Hint) int {
	if a.Hostname != b.Hostname {
		if a.Hostname < b.Hostname {
			return -1
		}
		return 1
	}
	if a.Port != b.Port {
		if a.Port < b.Port {
			return -1
		}
		return 1
	}
	switch {
	case a.Priority < b.Priority:
		return -1
	case a.Priority > b.Priority:
		return 1
	default:
		return 0
	}
}

// Equal reports full structural equality, which is what hint deduplication
// keys on (Compare collapses all Directs and is only an ordering).
func (c ConnectionHint) Equal(other ConnectionHint) bool {
	if c.Type != other.Type {
		return false
	}
	if c.Type == AbilityDirectTCPV1 {
		return c.Direct == other.Direct
	}
	if len(c.Relay) != len(other.Relay) {
		return false
	}
	for i := range c.Relay {
		if c.Relay[i] != other.Relay[i] {
			return false
		}
	}
	return true
}

// Dedup removes structural duplicates while preserving first-seen order.
func Dedup(hints []ConnectionHint) []ConnectionHint {
	var out []ConnectionHint
	for _, h := range hints {
		dup := false
		for _, seen := range out {
			if h.Equal(seen) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, h)
		}
	}
	return out
}

// SortByPriority orders direct hints by descending priority, stably, so the
// highest-priority candidates are dialed first.
func SortByPriority(hints []Hint) {
	sort.SliceStable(hints, func(i, j int) bool {
		return hints[i].Priority > hints[j].Priority
	})
}

// AbilityV1 is one entry of the abilities-v1 list.
type AbilityV1 struct {
	Type Ability `json:"type"`
}

// Transit is the negotiation payload of a transit message.
type Transit struct {
	AbilitiesV1 []AbilityV1      `json:"abilities-v1"`
	HintsV1     []ConnectionHint `json:"hints-v1"`
}

// HasAbility reports whether the peer advertised the given ability.
func (t *Transit) HasAbility(a Ability) bool {
	for _, ab := range t.AbilitiesV1 {
		if ab.Type == a {
			return true
		}
	}
	return false
}

// Answer acknowledges an offer.
type Answer struct {
	FileAck    string `json:"file_ack,omitempty"`
	MessageAck string `json:"message_ack,omitempty"`
}

// FileOffer describes a single file.
type FileOffer struct {
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
}

// DirectoryOffer describes a zipped directory.
type DirectoryOffer struct {
	Mode     string `json:"mode"`
	Dirname  string `json:"dirname"`
	Zipsize  int64  `json:"zipsize"`
	Numbytes int64  `json:"numbytes"`
	Numfiles int64  `json:"numfiles"`
}

// DirectoryMode is the only archive mode the protocol defines.
const DirectoryMode = "zipfile/deflated"

// Envelope is the single-key object every mailbox message decodes into.
// Exactly one field is set.
type Envelope struct {
	Transit   *Transit        `json:"transit,omitempty"`
	Answer    *Answer         `json:"answer,omitempty"`
	Error     *string         `json:"error,omitempty"`
	File      *FileOffer      `json:"file,omitempty"`
	Directory *DirectoryOffer `json:"directory,omitempty"`
	Text      *string         `json:"message,omitempty"`
}

// Encode serializes an envelope to its wire JSON.
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses an envelope and verifies that it carries a known payload.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if env.Transit == nil && env.Answer == nil && env.Error == nil &&
		env.File == nil && env.Directory == nil && env.Text == nil {
		return nil, fmt.Errorf("%w: no recognized payload", ErrSchema)
	}
	return &env, nil
}

// TransitEnvelope wraps a Transit payload.
func TransitEnvelope(abilities []Ability, hints []ConnectionHint) *Envelope {
	t := &Transit{HintsV1: hints}
	for _, a := range abilities {
		t.AbilitiesV1 = append(t.AbilitiesV1, AbilityV1{Type: a})
	}
	return &Envelope{Transit: t}
}

// FileAckEnvelope wraps the "ok" answer to a file offer.
func FileAckEnvelope() *Envelope {
	return &Envelope{Answer: &Answer{FileAck: "ok"}}
}

// MessageAckEnvelope wraps the "ok" answer to a message offer.
func MessageAckEnvelope() *Envelope {
	return &Envelope{Answer: &Answer{MessageAck: "ok"}}
}

// ErrorEnvelope wraps a protocol error report.
func ErrorEnvelope(msg string) *Envelope {
	return &Envelope{Error: &msg}
}
