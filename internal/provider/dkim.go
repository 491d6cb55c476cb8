package provider

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// DKIMConfig enables DKIM signing of SMTP submissions. Signing is off
// when Selector is empty.
type DKIMConfig struct {
	Selector string
	// Domain overrides the domain taken from the sending address.
	Domain     string
	PrivateKey string
	KeyPath    string
}

// Enabled reports whether any DKIM setting is present.
func (c DKIMConfig) Enabled() bool {
	return c.Selector != "" || c.PrivateKey != "" || c.KeyPath != ""
}

// DKIMSigner signs outgoing messages for the sending account's domain.
type DKIMSigner struct {
	domain     string
	selector   string
	key        crypto.Signer
	headerKeys []string
}

// NewDKIMSigner loads the private key. It returns nil, nil when signing
// is not configured.
func NewDKIMSigner(cfg DKIMConfig) (*DKIMSigner, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Selector) == "" {
		return nil, errors.New("dkim: selector is required when enabling DKIM")
	}

	var pemData []byte
	switch {
	case cfg.PrivateKey != "":
		pemData = []byte(cfg.PrivateKey)
	case cfg.KeyPath != "":
		data, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("dkim: read private key: %w", err)
		}
		pemData = data
	default:
		return nil, errors.New("dkim: provide key_path or private_key")
	}

	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}

	return &DKIMSigner{
		domain:   strings.ToLower(strings.TrimSpace(cfg.Domain)),
		selector: strings.TrimSpace(cfg.Selector),
		key:      key,
		headerKeys: []string{
			"from",
			"to",
			"subject",
			"date",
			"mime-version",
			"content-type",
			"message-id",
		},
	}, nil
}

// Sign prepends a DKIM-Signature header to message.
func (s *DKIMSigner) Sign(message []byte, from string) ([]byte, error) {
	if s == nil {
		return message, nil
	}

	domain := s.domain
	if domain == "" {
		domain = domainOf(from)
	}
	if domain == "" {
		return nil, errors.New("dkim: unable to determine signing domain")
	}

	opts := &dkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             s.headerKeys,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(message), opts); err != nil {
		return nil, fmt.Errorf("dkim: signing failed: %w", err)
	}
	return signed.Bytes(), nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			return key, nil
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			if signer, ok := key.(crypto.Signer); ok {
				return signer, nil
			}
			return nil, errors.New("unsupported private key type in PKCS#8 container")
		}
		pemData = rest
	}
	return nil, errors.New("no private key found in PEM data")
}

func domainOf(address string) string {
	address = strings.Trim(strings.TrimSpace(address), "<>")
	if i := strings.LastIndex(address, "@"); i >= 0 && i+1 < len(address) {
		return strings.ToLower(address[i+1:])
	}
	return ""
}
