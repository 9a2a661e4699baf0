// Package secure runs the DTLS handshake over a selected ICE path and binds
// it to the fingerprints carried in the exchanged descriptions.
package secure

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/1ureka/p2pchan/internal/protocol"
	"github.com/1ureka/p2pchan/internal/util"
	"github.com/pion/dtls/v3/pkg/crypto/fingerprint"
	"github.com/pion/webrtc/v4"
)

var (
	ErrHandshakeFailed     = errors.New("secure: handshake failed")
	ErrFingerprintMismatch = errors.New("secure: certificate fingerprint mismatch")
)

// NewCertificate generates a fresh self-signed ECDSA P-256 certificate.
func NewCertificate() (*webrtc.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	return cert, nil
}

// Negotiator owns the DTLS transport of one peer.
type Negotiator struct {
	dtls *webrtc.DTLSTransport
	ice  *webrtc.ICETransport
}

// NewNegotiator creates a DTLS transport on top of ice using cert.
func NewNegotiator(api *webrtc.API, ice *webrtc.ICETransport, cert webrtc.Certificate) (*Negotiator, error) {
	t, err := api.NewDTLSTransport(ice, []webrtc.Certificate{cert})
	if err != nil {
		return nil, fmt.Errorf("create dtls transport: %w", err)
	}

	t.OnStateChange(func(s webrtc.DTLSTransportState) {
		util.LogDebug("secure: dtls state %s", s)
	})

	return &Negotiator{dtls: t, ice: ice}, nil
}

// Transport exposes the DTLS transport for the message layer.
func (n *Negotiator) Transport() *webrtc.DTLSTransport {
	return n.dtls
}

// LocalParameters returns our role and certificate fingerprints.
func (n *Negotiator) LocalParameters() (protocol.DTLSParams, error) {
	params, err := n.dtls.GetLocalParameters()
	if err != nil {
		return protocol.DTLSParams{}, fmt.Errorf("dtls local parameters: %w", err)
	}

	out := protocol.DTLSParams{Role: params.Role.String()}
	for _, fp := range params.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, protocol.Fingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}
	return out, nil
}

// Handshake runs DTLS over the selected pair and then checks the remote
// certificate against remote.Fingerprints. The handshake role follows the
// ICE role: the controlling agent acts as DTLS server.
func (n *Negotiator) Handshake(ctx context.Context, remote protocol.DTLSParams) error {
	params := webrtc.DTLSParameters{Role: dtlsRole(remote.Role)}
	for _, fp := range remote.Fingerprints {
		params.Fingerprints = append(params.Fingerprints, webrtc.DTLSFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}

	result := make(chan error, 1)
	go func() {
		result <- n.dtls.Start(params)
	}()

	// The handshake only notices a stop once its ICE endpoint is closed.
	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
	case <-ctx.Done():
		_ = n.ice.Stop()
		_ = n.dtls.Stop()
		<-result
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, ctx.Err())
	}

	if err := Verify(n.dtls.GetRemoteCertificate(), remote.Fingerprints); err != nil {
		_ = n.dtls.Stop()
		return err
	}
	return nil
}

// Stop closes the DTLS connection.
func (n *Negotiator) Stop() error {
	return n.dtls.Stop()
}

// Verify checks that the DER certificate matches at least one fingerprint.
func Verify(certDER []byte, fps []protocol.Fingerprint) error {
	if len(certDER) == 0 {
		return fmt.Errorf("%w: remote presented no certificate", ErrFingerprintMismatch)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("%w: parse remote certificate: %v", ErrFingerprintMismatch, err)
	}

	for _, fp := range fps {
		algo, err := fingerprint.HashFromString(fp.Algorithm)
		if err != nil {
			continue
		}
		got, err := fingerprint.Fingerprint(cert, algo)
		if err != nil {
			continue
		}
		if strings.EqualFold(got, fp.Value) {
			return nil
		}
	}
	return ErrFingerprintMismatch
}

func dtlsRole(s string) webrtc.DTLSRole {
	switch s {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}
