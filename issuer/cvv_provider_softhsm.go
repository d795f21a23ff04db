//go:build softhsm

package issuer

import (
	"fmt"

	"github.com/jonanatree/cyberbank/internal/config"
	"github.com/jonanatree/cyberbank/internal/security"
	"github.com/jonanatree/cyberbank/internal/security/hsm"
)

func newCVVProvider(cfg *config.Config) (security.CVVProvider, func(), error) {
	switch cfg.CVVProvider {
	case "hmac":
		p, err := security.NewHMACProvider([]byte(cfg.CVVSecretKey))
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case "softhsm":
		p := hsm.NewSoftHSMProvider(cfg.HSMLibPath, uint(cfg.HSMSlotID), cfg.HSMPin, cfg.HSMKeyLabel)
		if err := p.Open(); err != nil {
			return nil, nil, fmt.Errorf("opening softhsm: %w", err)
		}
		return p, p.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported CVV_PROVIDER=%s", cfg.CVVProvider)
	}
}
