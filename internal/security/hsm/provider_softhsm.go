//go:build softhsm

// Package hsm computes CVVs inside a PKCS#11 token.
package hsm

import (
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/jonanatree/cyberbank/internal/security"
)

// SoftHSMProvider runs the CVV derivation with CKM_SHA256_HMAC on a generic
// secret key stored in a PKCS#11 token (SoftHSM in development). With the same
// key material it yields the same CVVs as security.HMACProvider.
// Enabled with the softhsm build tag so that default builds do not need cgo.
type SoftHSMProvider struct {
	libPath  string
	slotID   uint
	pin      string
	keyLabel string

	mu          sync.Mutex
	p11         *pkcs11.Ctx
	initialized bool
	sess        pkcs11.SessionHandle
	loggedIn    bool
	key         pkcs11.ObjectHandle
}

var _ security.CVVProvider = (*SoftHSMProvider)(nil)

func NewSoftHSMProvider(libPath string, slotID uint, pin, keyLabel string) *SoftHSMProvider {
	return &SoftHSMProvider{libPath: libPath, slotID: slotID, pin: pin, keyLabel: keyLabel}
}

// Open loads the module, logs in and locates the CVV key by label. On error
// the module is released again.
func (p *SoftHSMProvider) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.open(); err != nil {
		p.release()
		return err
	}
	return nil
}

func (p *SoftHSMProvider) open() error {
	p.p11 = pkcs11.New(p.libPath)
	if p.p11 == nil {
		return fmt.Errorf("load pkcs11 lib %s failed", p.libPath)
	}
	if err := p.p11.Initialize(); err != nil {
		return fmt.Errorf("pkcs11 initialize: %w", err)
	}
	p.initialized = true
	sess, err := p.p11.OpenSession(p.slotID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return fmt.Errorf("pkcs11 open session: %w", err)
	}
	p.sess = sess
	if err := p.p11.Login(p.sess, pkcs11.CKU_USER, p.pin); err != nil {
		return fmt.Errorf("pkcs11 login: %w", err)
	}
	p.loggedIn = true

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, p.keyLabel),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
	}
	if err := p.p11.FindObjectsInit(p.sess, template); err != nil {
		return fmt.Errorf("pkcs11 find init: %w", err)
	}
	objs, _, err := p.p11.FindObjects(p.sess, 1)
	_ = p.p11.FindObjectsFinal(p.sess)
	if err != nil {
		return fmt.Errorf("pkcs11 find: %w", err)
	}
	if len(objs) == 0 {
		return fmt.Errorf("cvv key not found by label=%s", p.keyLabel)
	}
	p.key = objs[0]
	return nil
}

func (p *SoftHSMProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.release()
}

// release undoes whatever open got through. Callers hold p.mu.
func (p *SoftHSMProvider) release() {
	if p.p11 == nil {
		return
	}
	if p.sess != 0 {
		if p.loggedIn {
			_ = p.p11.Logout(p.sess)
		}
		_ = p.p11.CloseSession(p.sess)
	}
	if p.initialized {
		_ = p.p11.Finalize()
	}
	p.p11.Destroy()
	p.p11 = nil
	p.sess = 0
	p.key = 0
	p.loggedIn = false
	p.initialized = false
}

// IsOpen reports whether the provider holds a usable session.
func (p *SoftHSMProvider) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.p11 != nil
}

// DeriveCVV signs cardNumber||expiryDate with the token key.
// One session is shared, so sign operations are serialised.
func (p *SoftHSMProvider) DeriveCVV(cardNumber, expiryDate string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.p11 == nil {
		return "", fmt.Errorf("hsm provider is not open")
	}
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_SHA256_HMAC, nil)}
	if err := p.p11.SignInit(p.sess, mech, p.key); err != nil {
		return "", fmt.Errorf("pkcs11 sign init: %w", err)
	}
	mac, err := p.p11.Sign(p.sess, []byte(cardNumber+expiryDate))
	if err != nil {
		return "", fmt.Errorf("pkcs11 sign: %w", err)
	}
	return security.DecimalPrefix(mac, security.CVVLength), nil
}
