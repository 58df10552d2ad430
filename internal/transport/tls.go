package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"
)

const (
	alpnControl = "gstream-control-v1"

	hostCertName     = "gstream host"
	hostCertLifetime = 24 * time.Hour
)

// ErrCertMismatch is returned when a host's certificate differs from the
// pinned fingerprint.
var ErrCertMismatch = errors.New("host certificate does not match pin")

// hostCert is what a QUIC control listener presents. Hosts are known by the
// certificate swapped at pairing rather than by a CA, so clients identify
// one by the SHA-256 of its DER encoding.
type hostCert struct {
	cert        tls.Certificate
	fingerprint []byte
}

func newHostCert(name string, lifetime time.Duration) (hostCert, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return hostCert{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return hostCert{}, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(lifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return hostCert{}, err
	}

	sum := sha256.Sum256(der)
	return hostCert{
		cert:        tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv},
		fingerprint: sum[:],
	}, nil
}

func (h hostCert) serverConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{h.cert},
		NextProtos:   []string{alpnControl},
		MinVersion:   tls.VersionTLS13,
	}
}

// clientConfig accepts any host certificate when pin is empty. Otherwise the
// leaf must hash to pin.
func clientConfig(pin []byte) *tls.Config {
	cfg := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnControl},
		MinVersion:         tls.VersionTLS13,
	}
	if len(pin) > 0 {
		cfg.VerifyPeerCertificate = func(raw [][]byte, _ [][]*x509.Certificate) error {
			if len(raw) == 0 {
				return ErrCertMismatch
			}
			sum := sha256.Sum256(raw[0])
			if subtle.ConstantTimeCompare(sum[:], pin) != 1 {
				return fmt.Errorf("%w: got %s", ErrCertMismatch, hex.EncodeToString(sum[:]))
			}
			return nil
		}
	}
	return cfg
}
