package config

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

// newStrictDecoder returns a YAML decoder that rejects unknown keys.
func newStrictDecoder(data []byte) *yaml.Decoder {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec
}
