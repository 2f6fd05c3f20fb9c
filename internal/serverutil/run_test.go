package serverutil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// startRun launches Run in the background and returns its readiness and
// result channels.
func startRun(ctx context.Context, cfg Config) (chan struct{}, chan error) {
	ready := make(chan struct{})
	cfg.Ready = ready
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg)
	}()
	return ready, done
}

func waitReady(t *testing.T, ready chan struct{}) {
	t.Helper()
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("listener did not come up")
	}
}

func TestRunGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}
	ready, done := startRun(ctx, Config{Server: srv, ShutdownTimeout: time.Second})
	waitReady(t, ready)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown never completed")
	}
}

func TestRunWithTLS(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}
	ready, done := startRun(ctx, Config{
		Server:          srv,
		ShutdownTimeout: time.Second,
		TLS:             TLSConfig{CertFile: certFile, KeyFile: keyFile},
	})
	waitReady(t, ready)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown never completed")
	}
}

func TestRunRejectsHalfConfiguredTLS(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}
	err := Run(context.Background(), Config{
		Server: srv,
		TLS:    TLSConfig{CertFile: "cert-only.pem"},
	})
	if err == nil || !strings.Contains(err.Error(), "both TLS") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunListenFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { occupied.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := &http.Server{Addr: occupied.Addr().String(), Handler: http.NewServeMux()}
	ready, done := startRun(ctx, Config{Server: srv, ShutdownTimeout: time.Second})

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a bind error")
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	select {
	case <-ready:
		t.Fatal("readiness signalled despite bind failure")
	default:
	}
}

func writeSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
