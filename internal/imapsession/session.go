// Package imapsession wraps the single IMAP connection the fetcher and
// synchronizer share: mailbox discovery, UID-addressed fetch and store,
// and move/expunge, all against one already-authenticated session.
package imapsession

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/FliegendeWurst/inboxid/internal/logging"
)

// connectTimeout bounds the initial TCP+TLS handshake.
const connectTimeout = 30 * time.Second

// drainWindow is how long DrainUnsolicited waits for pending unilateral
// EXPUNGE notifications to arrive before giving up, so a mailbox
// switch doesn't act on sequence numbers the server already invalidated.
const drainWindow = 50 * time.Millisecond

// Session wraps one authenticated IMAP connection.
type Session struct {
	client *imapclient.Client
	caps   imap.CapSet
	log    zerolog.Logger

	mu       sync.Mutex
	expunges []uint32
}

// Dial connects over implicit TLS, authenticates, and returns a ready
// Session. Unsolicited EXPUNGE notifications are captured so DrainUnsolicited
// can flush them before mailbox-sensitive operations.
func Dial(ctx context.Context, addr, user, password string) (*Session, error) {
	log := logging.WithComponent("imapsession")
	s := &Session{log: log}

	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Expunge: func(seqNum uint32) {
				s.mu.Lock()
				s.expunges = append(s.expunges, seqNum)
				s.mu.Unlock()
			},
		},
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	rawConn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: hostOf(addr)})
	if err != nil {
		return nil, fmt.Errorf("imapsession: dial %s: %w", addr, err)
	}

	s.client = imapclient.New(rawConn, options)
	if err := s.client.WaitGreeting(); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("imapsession: greeting: %w", err)
	}
	s.caps = s.client.Caps()

	if err := s.client.Login(user, password).Wait(); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("imapsession: login: %w", err)
	}
	s.caps = s.client.Caps()

	log.Info().Str("addr", addr).Str("user", user).Msg("connected")
	return s, nil
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Close logs out and closes the underlying connection.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Logout().Wait(); err != nil {
		s.log.Warn().Err(err).Msg("logout failed, closing anyway")
	}
	return s.client.Close()
}

// HasCap reports whether the server advertised a capability.
func (s *Session) HasCap(cap imap.Cap) bool {
	return s.caps.Has(cap)
}

// DrainUnsolicited waits briefly for any unilateral EXPUNGE notifications
// already in flight and returns the sequence numbers collected since the
// last drain. Call this before trusting sequence-number-sensitive state
// (e.g. right after selecting a mailbox the engine previously had open).
func (s *Session) DrainUnsolicited() []uint32 {
	time.Sleep(drainWindow)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.expunges
	s.expunges = nil
	return out
}

// withCancel runs fn in a goroutine and returns its result, or ctx.Err()
// if ctx is cancelled first. Needed because imapclient's Wait() calls
// block indefinitely and carry no context parameter themselves.
func withCancel[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		val, err := fn()
		ch <- result{val, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.val, r.err
	}
}
