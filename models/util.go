package models

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateNodeUUID generates a node identifier scoped to the cluster prefix.
// Example: GenerateNodeUUID("zzzzz") -> "zzzzz-node-<uuid>"
func GenerateNodeUUID(prefix string) string {
	return fmt.Sprintf("%s-node-%s", prefix, uuid.New().String())
}
