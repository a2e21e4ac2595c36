package domain

// DigestSize is the length in bytes of a payload digest (BLAKE2b-512).
const DigestSize = 64

// RequestInput is one caller request as decoded by the service boundary.
type RequestInput struct {
	ID      int64
	Payload []byte
}

// Digest is the content hash of a request payload. It is kept raw and only
// encoded to text when a ResultMessage is built.
type Digest [DigestSize]byte

type Client struct {
	ID   int64
	Name string
}

// ResultMessage is published to the broker and returned to the caller.
type ResultMessage struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}
