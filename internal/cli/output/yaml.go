package output

import (
	"io"

	"gopkg.in/yaml.v3"
)

// PrintYAML writes data as two-space-indented YAML. Pool and domain UUIDs
// render through their TextMarshaler, so status output round-trips into
// the config loader unchanged.
func PrintYAML(w io.Writer, data any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}
