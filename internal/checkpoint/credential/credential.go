// Package credential converts between user ids and the text carried by a
// credential's QR code. It never consults the directory.
package credential

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Kind classifies a decode failure.
type Kind string

const (
	Malformed    Kind = "malformed"
	MissingField Kind = "missing_field"
)

var (
	ErrMalformed    = errors.New("credential payload is malformed")
	ErrMissingField = errors.New("credential payload has no id")
)

// DecodeError reports why a payload could not be turned into a user id.
type DecodeError struct {
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return e.sentinel().Error()
	}
	return fmt.Sprintf("%s: %v", e.sentinel(), e.Err)
}

func (e *DecodeError) sentinel() error {
	if e.Kind == MissingField {
		return ErrMissingField
	}
	return ErrMalformed
}

func (e *DecodeError) Is(target error) bool { return target == e.sentinel() }

func (e *DecodeError) Unwrap() error { return e.Err }

func malformed(format string, args ...any) error {
	return &DecodeError{Kind: Malformed, Err: fmt.Errorf(format, args...)}
}

// idField is the single load-bearing field of the payload object.
const idField = "id"

type payload struct {
	ID string `json:"id"`
}

// Encode returns the payload printed on a credential for userID.
func Encode(userID int64) string {
	b, _ := json.Marshal(payload{ID: strconv.FormatInt(userID, 10)})
	return string(b)
}

// Decode extracts the user id from a scanned payload. The id may be a JSON
// string or number; anything else is Malformed, and an object without an id
// is MissingField.
func Decode(s string) (int64, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return 0, &DecodeError{Kind: Malformed, Err: err}
	}
	if fields == nil {
		return 0, malformed("payload is not an object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return 0, malformed("trailing data after payload")
	}

	raw, ok := fields[idField]
	if !ok || raw == nil {
		return 0, &DecodeError{Kind: MissingField}
	}

	var text string
	switch v := raw.(type) {
	case string:
		text = strings.TrimSpace(v)
		if text == "" {
			return 0, &DecodeError{Kind: MissingField}
		}
	case json.Number:
		text = v.String()
	default:
		return 0, malformed("id has type %T", raw)
	}

	id, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, &DecodeError{Kind: Malformed, Err: err}
	}
	if id <= 0 {
		return 0, malformed("id %d is not positive", id)
	}
	return id, nil
}

// EncodeURL wraps the payload in unpadded base64url so it can travel in a
// link handed to the card generator.
func EncodeURL(userID int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(Encode(userID)))
}

// DecodeURL reverses EncodeURL. Padded input is accepted.
func DecodeURL(s string) (int64, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, &DecodeError{Kind: Malformed, Err: err}
	}
	return Decode(string(bytes.TrimSpace(b)))
}
