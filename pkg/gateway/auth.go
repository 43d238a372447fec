package gateway

import "golang.org/x/crypto/bcrypt"

// Hash is the concrete backing of the opaque password-hashing primitive the
// state machine itself never performs: the Gateway hashes on the way in, the
// replicated command only ever carries the resulting hash.
func Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
