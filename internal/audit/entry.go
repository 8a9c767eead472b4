package audit

// Entry is one line in the hash-chained JSONL decision log. All fields are
// scalars (no map[string]any) to guarantee deterministic json.Marshal field
// order for reproducible hashing.
type Entry struct {
	Timestamp       string `json:"ts"`
	ConnID          string `json:"conn_id"`
	SessionID       int64  `json:"session_id"`
	IncomingChannel string `json:"incoming_channel"`
	OutgoingChannel string `json:"outgoing_channel"`
	AmountMsat      int64  `json:"amount_msat"`
	Decision        string `json:"decision"`
	PrevHash        string `json:"prev_hash"`
}
