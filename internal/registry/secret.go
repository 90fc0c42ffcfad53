package registry

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"evalgo.org/nodereg/models"
)

var secretLimit = new(big.Int).Lsh(big.NewInt(1), 256)

// GenerateSecret returns a uniformly random 256-bit value in base 36.
func GenerateSecret() (string, error) {
	n, err := rand.Int(rand.Reader, secretLimit)
	if err != nil {
		return "", fmt.Errorf("failed to generate ping secret: %w", err)
	}
	return n.Text(36), nil
}

// EnsurePingSecret generates a ping secret when the node has none. An
// existing secret is never replaced. It reports whether one was generated.
func EnsurePingSecret(info *models.NodeInfo) (bool, error) {
	if info.PingSecret != "" {
		return false, nil
	}
	secret, err := GenerateSecret()
	if err != nil {
		return false, err
	}
	info.PingSecret = secret
	return true, nil
}
