package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Stdout renders each message as the MIME document the SMTP transport
// would submit and writes it to a local stream. Nothing leaves the host.
type Stdout struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

// NewStdout returns a Stdout transport writing to os.Stdout.
func NewStdout() *Stdout {
	return newStdoutTo(os.Stdout)
}

func newStdoutTo(w io.Writer) *Stdout {
	return &Stdout{out: w, now: time.Now}
}

func (s *Stdout) GetName() string { return TypeStdout }

func (s *Stdout) Send(_ context.Context, msg *Message) (*DeliveryResult, error) {
	sent := s.now().UTC()
	ref := "stdout-" + msg.ID
	raw, err := buildMIME(msg, "<"+ref+"@localhost>", sent)
	if err != nil {
		return nil, &ProviderError{Provider: TypeStdout, Kind: KindRejected, Message: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.out, "==> %s %s -> %s (%d bytes)\n%s\n", ref, msg.From, msg.To, len(raw), raw); err != nil {
		return nil, &ProviderError{Provider: TypeStdout, Kind: KindServerError, Message: err.Error()}
	}

	return &DeliveryResult{ProviderMessageID: ref, Timestamp: sent}, nil
}

func (s *Stdout) HealthCheck(_ context.Context) error { return nil }
