package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/davidahmann/tollgate/internal/crypto"
)

// LoadedPolicy is a validated tool policy plus the hash recorded in every
// decide event.
type LoadedPolicy struct {
	Policy Policy
	Hash   string
	Bytes  []byte
}

func LoadPolicy(path string) (LoadedPolicy, error) {
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedPolicy{}, err
	}
	return ParsePolicy(data)
}

// ParsePolicy rejects unknown keys so a misspelt threshold cannot silently
// fall back to the default. Line endings are normalised before hashing.
func ParsePolicy(data []byte) (LoadedPolicy, error) {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Policy
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return LoadedPolicy{}, fmt.Errorf("policy: empty document")
		}
		return LoadedPolicy{}, fmt.Errorf("policy: %w", err)
	}
	if err := Validate(p); err != nil {
		return LoadedPolicy{}, err
	}

	return LoadedPolicy{
		Policy: p,
		Hash:   crypto.DigestWithPrefix(data),
		Bytes:  data,
	}, nil
}
