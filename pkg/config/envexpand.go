package config

import "os"

// ExpandEnv expands ${VAR}/$VAR references in raw YAML bytes before parsing,
// so secrets such as llm.api_key can be supplied out-of-band. Missing
// variables expand to empty string; Validate catches required fields left
// empty by a missing variable.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
