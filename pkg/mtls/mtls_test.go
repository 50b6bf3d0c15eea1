package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"
)

func TestGenerateCAAndNodeCertRoundTrip(t *testing.T) {
	caCert, caKey, err := GenerateCA("bosonmesh-test", time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}

	nodeCert, _, err := GenerateNodeCert(caCert, caKey, "node-7", time.Hour)
	if err != nil {
		t.Fatalf("GenerateNodeCert: %v", err)
	}

	block, _ := pem.Decode(nodeCert)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse node cert: %v", err)
	}
	if cert.Subject.CommonName != "node-7" {
		t.Fatalf("expected CN node-7, got %q", cert.Subject.CommonName)
	}
}

func TestVerifyClientCertExtractsNodeID(t *testing.T) {
	caCert, caKey, err := GenerateCA("bosonmesh-test", time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	nodeCertPEM, _, err := GenerateNodeCert(caCert, caKey, "node-9", time.Hour)
	if err != nil {
		t.Fatalf("GenerateNodeCert: %v", err)
	}

	block, _ := pem.Decode(nodeCertPEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse node cert: %v", err)
	}

	state := &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
	identity, err := VerifyClientCert(state)
	if err != nil {
		t.Fatalf("VerifyClientCert: %v", err)
	}
	if identity.NodeID != "node-9" {
		t.Fatalf("expected node-9, got %q", identity.NodeID)
	}
}

func TestVerifyClientCertRejectsNoState(t *testing.T) {
	if _, err := VerifyClientCert(nil); err == nil {
		t.Fatal("expected error for nil connection state")
	}
}

func TestVerifyClientCertRejectsNoPeerCerts(t *testing.T) {
	if _, err := VerifyClientCert(&tls.ConnectionState{}); err == nil {
		t.Fatal("expected error when no client certificate presented")
	}
}
