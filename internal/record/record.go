// Package record defines the post record that flows from the message source
// through the accumulator into a sink.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid is wrapped by every validation failure returned from this package.
var ErrInvalid = errors.New("invalid record")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Record is a single post. It is a plain value: copies are independent and
// equality is structural. Identity, if any, is assigned by the sink.
type Record struct {
	Title   string `json:"title" bson:"title" msgpack:"title" validate:"required"`
	Content string `json:"content" bson:"content" msgpack:"content" validate:"required"`
}

// New trims and validates the given fields.
func New(title, content string) (Record, error) {
	r := Record{Title: title, Content: content}.Normalize()
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Decode parses a JSON encoded record and trims its fields.
// It does not validate; see Validate.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return r.Normalize(), nil
}

// Encode returns the JSON form of r.
func (r Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Normalize returns a copy of r with surrounding whitespace removed.
func (r Record) Normalize() Record {
	return Record{
		Title:   strings.TrimSpace(r.Title),
		Content: strings.TrimSpace(r.Content),
	}
}

// Validate reports whether both fields are present. Whitespace-only values
// are rejected.
func (r Record) Validate() error {
	if err := validate.Struct(r.Normalize()); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, strings.ToLower(fe.Field()))
			}
			return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
