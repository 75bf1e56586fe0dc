package collective

// ExchangeRequest is a rank's contribution to one collective call.
type ExchangeRequest struct {
	Rank    int     `json:"rank"`
	Payload Payload `json:"payload"`
}

// ExchangeResponse contains the contributions of all ranks, ordered by rank.
type ExchangeResponse struct {
	Payloads []Payload `json:"payloads"`
}

// StatusResponse describes the state of a coordinator.
type StatusResponse struct {
	WorldSize int `json:"world_size"`
	// Pending maps the calls still waiting on some ranks to the number of
	// ranks that arrived.
	Pending map[uint64]int `json:"pending"`
}
