package security

import (
	"fmt"

	"github.com/contemptx/usenetsync-sub001/internal/config"
	"github.com/contemptx/usenetsync-sub001/internal/core"
)

// NewSecurityFromConfig creates a Security implementation based on the
// security config type.
func NewSecurityFromConfig(cfg config.SecurityConfig) (core.Security, error) {
	switch cfg.Type {
	case "age":
		if cfg.KeyDir == "" {
			return nil, fmt.Errorf("age security requires key_dir to be set")
		}
		return NewAgeSecurity(cfg.KeyDir)
	case "plain":
		return NewPlainSecurity(), nil
	default:
		return nil, fmt.Errorf("unknown security type: %s", cfg.Type)
	}
}
