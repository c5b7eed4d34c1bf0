package models

// Instance identifies this machine to clients.
type Instance struct {
	ID      string `json:"id" cbor:"id" yaml:"id"`
	Model   string `json:"model" cbor:"model" yaml:"model"`
	Serial  string `json:"serial" cbor:"serial" yaml:"serial"`
	Name    string `json:"name" cbor:"name" yaml:"name"`
	Version string `json:"version" cbor:"version" yaml:"-"`
}
