package tenant

import (
	"fmt"
	"regexp"

	"github.com/pastoralhq/smsync/internal/config"
)

const DefaultTenantName = "main"

// Resolve determines the active tenant name using precedence:
// 1. flagOverride (--tenant flag)
// 2. config.toml default_tenant
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultTenant != "" {
		return cfg.DefaultTenant
	}
	return DefaultTenantName
}

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to tenant naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid tenant name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}
