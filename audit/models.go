package audit

import "time"

// Entry is one immutable record on a tender's audit chain.
type Entry struct {
	ID        int64
	TenderID  string
	Seq       int
	Timestamp time.Time
	Actor     string
	Event     string
	RefType   string
	Ref       string
	Hash      string
	PrevHash  string
	// Payload holds the canonicalized (RFC 8785) JSON bytes that were hashed.
	Payload []byte
}

// AppendParams carries everything needed to extend a tender's chain.
type AppendParams struct {
	TenderID string
	Actor    string
	Event    string
	RefType  string
	Ref      string
	Payload  map[string]any
}
