/*
Package config loads the storage engine's process-level settings from a
YAML file: os.ReadFile followed by yaml.Unmarshal, with errors wrapped via
fmt.Errorf. Engine configuration is a fixed, typed shape known ahead of
time, so Config is a plain struct with yaml tags rather than a dynamic
map[string]interface{}.
*/
package config
