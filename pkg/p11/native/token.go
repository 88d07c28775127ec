//go:build cgo

package native

import (
	"sync"
	"time"

	"github.com/miekg/pkcs11"

	"github.com/xipki/commons/internal/logging"
	"github.com/xipki/commons/pkg/p11"
)

var log = logging.MustGetLogger("p11.native")

const (
	defaultMaxSessions       = 20
	defaultNewSessionTimeout = 10 * time.Second
)

// Token is a session-pool-backed view of one slot's token. Sessions are
// opened lazily up to maxSessions and reused; acquisition blocks up to
// newSessionTimeout when the pool is exhausted.
type Token struct {
	ctx      *pkcs11.Ctx
	slotID   uint
	readOnly bool

	userType uint
	pin      string

	maxSessions       int
	newSessionTimeout time.Duration
	maxMessageSize    int

	sem chan struct{}

	mu        sync.Mutex
	idle      []pkcs11.SessionHandle
	loginDone bool
	closed    bool
}

func newToken(ctx *pkcs11.Ctx, slotID uint, readOnly bool, userType uint64, pin string,
	numSessions, newSessionTimeoutMs, maxMessageSize int) *Token {
	maxSessions := numSessions
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	timeout := defaultNewSessionTimeout
	if newSessionTimeoutMs > 0 {
		timeout = time.Duration(newSessionTimeoutMs) * time.Millisecond
	}

	return &Token{
		ctx:               ctx,
		slotID:            slotID,
		readOnly:          readOnly,
		userType:          uint(userType),
		pin:               pin,
		maxSessions:       maxSessions,
		newSessionTimeout: timeout,
		maxMessageSize:    maxMessageSize,
		sem:               make(chan struct{}, maxSessions),
	}
}

// acquire reserves a session. The returned release function must be called
// when done.
func (t *Token) acquire() (pkcs11.SessionHandle, func(), error) {
	timer := time.NewTimer(t.newSessionTimeout)
	defer timer.Stop()

	select {
	case t.sem <- struct{}{}:
	case <-timer.C:
		return 0, nil, p11.Errorf("no idle session available on slot %d", t.slotID)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		<-t.sem
		return 0, nil, p11.Errorf("token is closed")
	}

	var session pkcs11.SessionHandle
	if n := len(t.idle); n > 0 {
		session = t.idle[n-1]
		t.idle = t.idle[:n-1]
		t.mu.Unlock()
	} else {
		t.mu.Unlock()

		flags := uint(pkcs11.CKF_SERIAL_SESSION)
		if !t.readOnly {
			flags |= pkcs11.CKF_RW_SESSION
		}
		var err error
		session, err = t.ctx.OpenSession(t.slotID, flags)
		if err != nil {
			<-t.sem
			return 0, nil, p11.WrapError("could not open session", err)
		}

		if err := t.loginOnce(session); err != nil {
			_ = t.ctx.CloseSession(session)
			<-t.sem
			return 0, nil, err
		}
	}

	release := func() {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = t.ctx.CloseSession(session)
		} else {
			t.idle = append(t.idle, session)
			t.mu.Unlock()
		}
		<-t.sem
	}
	return session, release, nil
}

// loginOnce logs in on the first session; login is per token, not per
// session.
func (t *Token) loginOnce(session pkcs11.SessionHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loginDone || t.pin == "" {
		return nil
	}

	if err := t.ctx.Login(session, t.userType, t.pin); err != nil {
		if p11err, ok := err.(pkcs11.Error); !ok || p11err != pkcs11.CKR_USER_ALREADY_LOGGED_IN {
			return p11.WrapError("could not login", err)
		}
	}
	t.loginDone = true
	return nil
}

// sign runs one sign operation, splitting the content when it exceeds the
// message bound.
func (t *Token) sign(mech *pkcs11.Mechanism, key pkcs11.ObjectHandle, content []byte) ([]byte, error) {
	session, release, err := t.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	if err := t.ctx.SignInit(session, []*pkcs11.Mechanism{mech}, key); err != nil {
		return nil, p11.WrapError("could not init sign", err)
	}

	if t.maxMessageSize <= 0 || len(content) <= t.maxMessageSize {
		sig, err := t.ctx.Sign(session, content)
		if err != nil {
			return nil, p11.WrapError("could not sign", err)
		}
		return sig, nil
	}

	for offset := 0; offset < len(content); offset += t.maxMessageSize {
		end := offset + t.maxMessageSize
		if end > len(content) {
			end = len(content)
		}
		if err := t.ctx.SignUpdate(session, content[offset:end]); err != nil {
			return nil, p11.WrapError("could not sign", err)
		}
	}
	sig, err := t.ctx.SignFinal(session)
	if err != nil {
		return nil, p11.WrapError("could not sign", err)
	}
	return sig, nil
}

// close logs out and closes all idle sessions. Sessions on loan are closed
// by their release functions.
func (t *Token) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true

	if t.loginDone && len(t.idle) > 0 {
		if err := t.ctx.Logout(t.idle[0]); err != nil {
			if p11err, ok := err.(pkcs11.Error); !ok || p11err != pkcs11.CKR_USER_NOT_LOGGED_IN {
				log.Warnf("logout failed: %v", err)
			}
		}
	}
	for _, session := range t.idle {
		if err := t.ctx.CloseSession(session); err != nil {
			log.Warnf("close session failed: %v", err)
		}
	}
	t.idle = nil
}
