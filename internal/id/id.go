package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 48-character nanoid using an alphanumeric alphabet
// (A-Za-z0-9). Used for session and worker ids.
func Generate() string {
	id, err := gonanoid.Generate(alphabet, 48)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// NewServerInstance returns the random id that identifies one server
// process lifetime. It is echoed in every history frame so clients can
// detect restarts.
func NewServerInstance() string {
	id, err := gonanoid.Generate(alphabet, 16)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return "sv-" + id
}
