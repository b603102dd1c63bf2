package types

// RelayList represents a user's NIP-65 relay list
type RelayList struct {
	Read      []string `json:"read"`
	Write     []string `json:"write"`
	CreatedAt int64    `json:"created_at"`
}

// CachedRelayList wraps relay list for serialization
type CachedRelayList struct {
	RelayList *RelayList `json:"relay_list,omitempty"`
	FetchedAt int64      `json:"fetched_at"`
	NotFound  bool       `json:"not_found"`
}
