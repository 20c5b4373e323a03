package p2p

import (
	"bytes"
	"encoding/gob"
)

// Envelope wraps a canonical consensus message for gossip. Payload is the
// byte-exact encoding from the consensus codec; the envelope only adds the
// sender hint for logging.
type Envelope struct {
	From    string
	Payload []byte
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
