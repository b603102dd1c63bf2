// Package types provides shared type definitions used across internal packages.
package types

// Event kinds the pool treats specially.
const (
	KindTextNote   = 1
	KindContacts   = 3
	KindRelayList  = 10002
	KindClientAuth = 22242
)

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID         string     `json:"id"`
	PubKey     string     `json:"pubkey"`
	CreatedAt  int64      `json:"created_at"`
	Kind       int        `json:"kind"`
	Tags       [][]string `json:"tags"`
	Content    string     `json:"content"`
	Sig        string     `json:"sig"`
	RelaysSeen []string   `json:"-"`
}

// TagValues returns every value of tags named name.
func (e *Event) TagValues(name string) []string {
	var results []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			results = append(results, tag[1])
		}
	}
	return results
}

// HasTagValue reports whether the event carries tag name with the given value.
func (e *Event) HasTagValue(name, value string) bool {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name && tag[1] == value {
			return true
		}
	}
	return false
}

// NostrMessage represents a raw Nostr protocol message
type NostrMessage []interface{}
