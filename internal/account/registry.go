package account

import (
	"fmt"
	"net/mail"
	"strings"
)

// DefaultHourlyLimit applies to accounts configured without a limit.
const DefaultHourlyLimit = 500

// SendingAccount is a sender identity with its hourly sending cap.
type SendingAccount struct {
	Address     string `json:"address"`
	HourlyLimit int    `json:"hourly_limit"`
}

// Registry is the fixed, ordered set of sending accounts. It does not
// change after construction.
type Registry struct {
	accounts []SendingAccount
	byAddr   map[string]int
}

// NewRegistry validates accounts and builds a Registry. Addresses are
// compared case-insensitively and must be unique.
func NewRegistry(accounts []SendingAccount) (*Registry, error) {
	r := &Registry{
		accounts: make([]SendingAccount, 0, len(accounts)),
		byAddr:   make(map[string]int, len(accounts)),
	}

	for i, a := range accounts {
		addr := normalize(a.Address)
		if addr == "" {
			return nil, fmt.Errorf("account %d: address is required", i)
		}
		if _, err := mail.ParseAddress(addr); err != nil {
			return nil, fmt.Errorf("account %d: invalid address %q: %w", i, a.Address, err)
		}
		if _, dup := r.byAddr[addr]; dup {
			return nil, fmt.Errorf("account %d: duplicate address %q", i, a.Address)
		}
		limit := a.HourlyLimit
		if limit == 0 {
			limit = DefaultHourlyLimit
		}
		if limit < 0 {
			return nil, fmt.Errorf("account %d: hourly limit must be positive", i)
		}

		r.byAddr[addr] = len(r.accounts)
		r.accounts = append(r.accounts, SendingAccount{Address: addr, HourlyLimit: limit})
	}

	return r, nil
}

// ListAccounts returns the accounts in configuration order.
func (r *Registry) ListAccounts() []SendingAccount {
	out := make([]SendingAccount, len(r.accounts))
	copy(out, r.accounts)
	return out
}

// Lookup returns the account for address.
func (r *Registry) Lookup(address string) (SendingAccount, bool) {
	i, ok := r.byAddr[normalize(address)]
	if !ok {
		return SendingAccount{}, false
	}
	return r.accounts[i], true
}

// Len returns the number of configured accounts.
func (r *Registry) Len() int {
	return len(r.accounts)
}

// TotalHourlyCapacity sums the hourly limits of all accounts.
func (r *Registry) TotalHourlyCapacity() int {
	total := 0
	for _, a := range r.accounts {
		total += a.HourlyLimit
	}
	return total
}

// OwnsDomain reports whether any account sends from domain.
func (r *Registry) OwnsDomain(domain string) bool {
	domain = normalize(domain)
	if domain == "" {
		return false
	}
	for _, a := range r.accounts {
		if _, d, ok := strings.Cut(a.Address, "@"); ok && d == domain {
			return true
		}
	}
	return false
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
