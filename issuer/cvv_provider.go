//go:build !softhsm

package issuer

import (
	"fmt"

	"github.com/jonanatree/cyberbank/internal/config"
	"github.com/jonanatree/cyberbank/internal/security"
)

// newCVVProvider returns the configured CVV provider and its release func.
func newCVVProvider(cfg *config.Config) (security.CVVProvider, func(), error) {
	switch cfg.CVVProvider {
	case "hmac":
		p, err := security.NewHMACProvider([]byte(cfg.CVVSecretKey))
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case "softhsm":
		return nil, nil, fmt.Errorf("CVV_PROVIDER=softhsm requires a build with -tags softhsm")
	default:
		return nil, nil, fmt.Errorf("unsupported CVV_PROVIDER=%s", cfg.CVVProvider)
	}
}
