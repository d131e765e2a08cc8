package model

import "time"

// Message is one raw message travelling through the import or export
// pipeline, identified by its Message-Id and content hash.
type Message struct {
	ID         string
	Hash       string
	Subject    string
	ReceivedAt time.Time
	Size       int64
	// Index is the zero-based position in the source mbox.
	Index int
	Raw   []byte
}

// Envelope carries a decoded message or the error that stopped decoding it.
type Envelope struct {
	Message Message
	Err     error
}
