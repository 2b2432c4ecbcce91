package storage

import (
	"errors"
	"fmt"

	"github.com/jmcleod/storyverse/internal/util"
)

const (
	// SchemeRaw stores the payload as-is.
	SchemeRaw = "raw"
	// SchemeAESGCM stores the payload sealed with AES-256-GCM.
	SchemeAESGCM = "aes256gcm"
)

// ErrSealed is returned when a sealed record is opened without a key.
var ErrSealed = errors.New("record is sealed and no key was provided")

// Envelope is a stored record, either raw or AES-256-GCM sealed.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
}

// RawRecord wraps plaintext without encryption.
func RawRecord(plaintext []byte) *Envelope {
	return &Envelope{
		Ver:        1,
		Scheme:     SchemeRaw,
		Ciphertext: append([]byte(nil), plaintext...),
	}
}

// SealRecord encrypts plaintext into an Envelope using the given key and AAD.
func SealRecord(key, plaintext, aad []byte) (*Envelope, error) {
	nonce, ciphertext, err := util.Seal(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ver:        1,
		Scheme:     SchemeAESGCM,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// OpenRecord returns the payload of an Envelope. Raw records ignore the key;
// sealed records require it.
func OpenRecord(key []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope == nil {
		return nil, errors.New("nil envelope")
	}
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	switch envelope.Scheme {
	case SchemeRaw:
		return append([]byte(nil), envelope.Ciphertext...), nil
	case SchemeAESGCM:
		if len(key) == 0 {
			return nil, ErrSealed
		}
		return util.Open(key, envelope.Nonce, envelope.Ciphertext, aad)
	default:
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
}
