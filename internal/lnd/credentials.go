package lnd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
)

// transportCredentials loads lnd's self-signed TLS certificate.
func transportCredentials(certPath string) (credentials.TransportCredentials, error) {
	creds, err := credentials.NewClientTLSFromFile(certPath, "")
	if err != nil {
		return nil, fmt.Errorf("load tls certificate: %w", err)
	}
	return creds, nil
}

// macaroonCredential attaches the admin macaroon to every RPC as hex
// metadata, the authentication scheme lnd expects.
type macaroonCredential struct {
	hexMac string
}

func newMacaroonCredential(path string) (macaroonCredential, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return macaroonCredential{}, fmt.Errorf("read macaroon: %w", err)
	}
	return macaroonCredential{hexMac: hex.EncodeToString(raw)}, nil
}

func (m macaroonCredential) GetRequestMetadata(_ context.Context, _ ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.hexMac}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}
