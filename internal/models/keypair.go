package models

// SSHKeyPair ties generated key material to a single container name. The
// private key lives on disk for the lifetime of the container; the public
// key is baked into the image and never persisted separately.
type SSHKeyPair struct {
	Name           string `json:"name"`
	PublicKey      string `json:"public_key"`
	PrivateKeyPath string `json:"private_key_path"`
}
