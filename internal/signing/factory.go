package signing

import (
	"fmt"
	"time"

	"rksv-fiscal-service/internal/config"
)

// CreateSigner creates the signing provider selected by configuration.
func CreateSigner(cfg *config.Config) (Signer, error) {
	verbose := cfg.Server.Verbose

	switch cfg.Signing.Mode {
	case "rsa":
		return NewRSASigner(cfg.Signing.RSA.KeyDir, verbose)

	case "hmac":
		return NewHMACSigner(cfg.Signing.HMAC.Secrets, verbose), nil

	case "remote":
		if cfg.Signing.Remote.URL == "" {
			return nil, fmt.Errorf("remote signing selected but no url configured")
		}
		timeout := time.Duration(cfg.Signing.Remote.TimeoutSeconds) * time.Second
		return NewRemoteSigner(cfg.Signing.Remote.URL, timeout, verbose), nil

	case "pkcs11":
		return NewPKCS11Signer(cfg.Signing.PKCS11.LibraryPath, cfg.Signing.PKCS11.TokenPIN, verbose)

	default:
		return nil, fmt.Errorf("unknown signing mode: %q", cfg.Signing.Mode)
	}
}
