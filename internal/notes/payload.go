package notes

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPayload indicates that a base64 CRDT payload is empty or not valid base64.
	ErrInvalidPayload = errors.New("notes: invalid crdt payload")
	// ErrInvalidMetadata indicates that stored block metadata is not a JSON object of strings.
	ErrInvalidMetadata = errors.New("notes: invalid block metadata")
)

const (
	errFormatEmpty         = "%w: empty"
	errFormatInvalidBase64 = "%w: invalid base64"
)

// UpdateBase64 stores a validated base64-encoded CRDT update.
type UpdateBase64 string

// NewUpdateBase64 validates raw input and returns an UpdateBase64.
func NewUpdateBase64(rawInput string) (UpdateBase64, error) {
	trimmed, err := validateBase64(rawInput)
	if err != nil {
		return "", err
	}
	return UpdateBase64(trimmed), nil
}

// EncodeUpdate wraps binary update bytes.
func EncodeUpdate(update []byte) UpdateBase64 {
	return UpdateBase64(base64.StdEncoding.EncodeToString(update))
}

// Bytes decodes the payload.
func (payload UpdateBase64) Bytes() ([]byte, error) {
	return decodeBase64(string(payload))
}

// String returns the update payload as a string.
func (payload UpdateBase64) String() string {
	return string(payload)
}

// StateVectorBase64 stores a validated base64-encoded CRDT state vector.
type StateVectorBase64 string

// NewStateVectorBase64 validates raw input and returns a StateVectorBase64.
func NewStateVectorBase64(rawInput string) (StateVectorBase64, error) {
	trimmed, err := validateBase64(rawInput)
	if err != nil {
		return "", err
	}
	return StateVectorBase64(trimmed), nil
}

// EncodeStateVector wraps binary state vector bytes.
func EncodeStateVector(vector []byte) StateVectorBase64 {
	return StateVectorBase64(base64.StdEncoding.EncodeToString(vector))
}

// Bytes decodes the payload.
func (payload StateVectorBase64) Bytes() ([]byte, error) {
	return decodeBase64(string(payload))
}

// String returns the state vector payload as a string.
func (payload StateVectorBase64) String() string {
	return string(payload)
}

func validateBase64(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf(errFormatEmpty, ErrInvalidPayload)
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return "", fmt.Errorf(errFormatInvalidBase64, ErrInvalidPayload)
	}
	if len(decoded) == 0 {
		return "", fmt.Errorf(errFormatEmpty, ErrInvalidPayload)
	}
	return trimmed, nil
}

func decodeBase64(value string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf(errFormatInvalidBase64, ErrInvalidPayload)
	}
	return decoded, nil
}

// EncodeMetadata serializes block attributes with sorted keys, so equal maps encode identically.
func EncodeMetadata(attributes map[string]string) (string, error) {
	if len(attributes) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(attributes)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return string(encoded), nil
}

// DecodeMetadata parses a stored metadata column. Empty input yields an empty map.
func DecodeMetadata(raw string) (map[string]string, error) {
	attributes := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return attributes, nil
	}
	if err := json.Unmarshal([]byte(raw), &attributes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return attributes, nil
}
