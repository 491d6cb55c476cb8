package account

import "testing"

func TestNewRegistry(t *testing.T) {
	tests := []struct {
		name     string
		accounts []SendingAccount
		wantErr  bool
	}{
		{
			name:     "valid accounts",
			accounts: []SendingAccount{{Address: "a@example.com", HourlyLimit: 10}, {Address: "b@example.com"}},
		},
		{name: "empty registry", accounts: nil},
		{name: "missing address", accounts: []SendingAccount{{Address: " "}}, wantErr: true},
		{name: "invalid address", accounts: []SendingAccount{{Address: "nope"}}, wantErr: true},
		{
			name:     "duplicate address differs only by case",
			accounts: []SendingAccount{{Address: "a@example.com"}, {Address: "A@Example.com"}},
			wantErr:  true,
		},
		{name: "negative limit", accounts: []SendingAccount{{Address: "a@example.com", HourlyLimit: -1}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.accounts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewRegistry() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryDefaultsAndLookup(t *testing.T) {
	r, err := NewRegistry([]SendingAccount{
		{Address: "Info@Example.com", HourlyLimit: 20},
		{Address: "events@example.com"},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	accounts := r.ListAccounts()
	if len(accounts) != 2 {
		t.Fatalf("len(ListAccounts()) = %d, want 2", len(accounts))
	}
	if accounts[0].Address != "info@example.com" {
		t.Errorf("accounts[0].Address = %q, want normalized lower case", accounts[0].Address)
	}
	if accounts[1].HourlyLimit != DefaultHourlyLimit {
		t.Errorf("accounts[1].HourlyLimit = %d, want %d", accounts[1].HourlyLimit, DefaultHourlyLimit)
	}

	if _, ok := r.Lookup("INFO@example.com"); !ok {
		t.Error("Lookup() is not case-insensitive")
	}
	if _, ok := r.Lookup("unknown@example.com"); ok {
		t.Error("Lookup(unknown) = true")
	}
	if got := r.TotalHourlyCapacity(); got != 20+DefaultHourlyLimit {
		t.Errorf("TotalHourlyCapacity() = %d, want %d", got, 20+DefaultHourlyLimit)
	}

	// Mutating the returned slice must not affect the registry.
	accounts[0].HourlyLimit = 1
	if a, _ := r.Lookup("info@example.com"); a.HourlyLimit != 20 {
		t.Errorf("registry mutated through ListAccounts(): limit = %d", a.HourlyLimit)
	}
}

func TestRegistryOwnsDomain(t *testing.T) {
	r, err := NewRegistry([]SendingAccount{{Address: "office@Example.org"}})
	if err != nil {
		t.Fatal(err)
	}
	for domain, want := range map[string]bool{
		"example.org":      true,
		"EXAMPLE.ORG":      true,
		"mail.example.org": false,
		"":                 false,
	} {
		if got := r.OwnsDomain(domain); got != want {
			t.Errorf("OwnsDomain(%q) = %v, want %v", domain, got, want)
		}
	}
}
