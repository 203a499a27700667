package node

import "encoding/json"

// Envelope is the JSON structure inside every message payload — plaintext
// for public broadcasts, sealed under the peer session for private ones.
type Envelope struct {
	Nickname string `json:"nickname,omitempty"` // sender's display name
	Content  string `json:"content"`            // message body
}

// IncomingMessage is delivered to callers via the Messages() channel.
type IncomingMessage struct {
	From     string // sender peer ID, hex
	Nickname string
	Content  string
	Private  bool // arrived sealed under the peer session
}

func marshalEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	return e, json.Unmarshal(b, &e)
}
