// Package config holds the node configuration: defaults, the optional YAML
// file (.torpeer.yaml) and validation. Paths default under the XDG data home.
package config
