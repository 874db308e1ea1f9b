package broker

import (
	"strings"

	"github.com/google/uuid"
)

// NewClientOrderID tags an order with its purpose, e.g. guard-stop-<hex>
func NewClientOrderID(kind string) string {
	return "guard-" + kind + "-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
