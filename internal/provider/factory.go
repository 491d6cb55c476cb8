package provider

import (
	"fmt"
)

// New builds the configured transport. The HTTP client is used by the
// API-based transports and may be nil for the others.
func New(cfg Config, client HTTPClient) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}
	if client == nil {
		client = NewAPIClient(cfg.Timeout)
	}

	switch cfg.Type {
	case TypeSMTP:
		signer, err := NewDKIMSigner(cfg.DKIM)
		if err != nil {
			return nil, err
		}
		return NewSMTP(cfg, signer), nil
	case TypeSendGrid:
		return NewSendGrid(cfg, client), nil
	case TypeMailgun:
		return NewMailgun(cfg, client), nil
	case TypeStdout:
		return NewStdout(), nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Type)
	}
}
