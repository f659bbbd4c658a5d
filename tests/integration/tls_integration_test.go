//go:build integration

package integration

import (
    "context"
    "crypto/rand"
    "crypto/rsa"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"

    tlsx "github.com/amirimatin/go-intergov/pkg/security/tlsconfig"
    httpjson "github.com/amirimatin/go-intergov/pkg/transport/httpjson"
)

func TestTLS_ThreePeers_ProposalLifecycle(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
    defer cancel()

    dir := t.TempDir()
    caCrt, caKey := mustMakeCA(t, dir)
    cfgs := groupConfigs(17400, "http", "n1", "n2", "n3")
    for i := range cfgs {
        crt, key := mustMakeLeaf(t, dir, caCrt, caKey, cfgs[i].NodeID)
        cfgs[i].TLS = tlsx.Options{Enable: true, CAFile: caCrt, CertFile: crt, KeyFile: key}
    }
    nodes := startAll(t, ctx, cfgs)
    formGroup(t, ctx, nodes)

    // operators use their own identity; the local API does not check it
    opCrt, opKey := mustMakeLeaf(t, dir, caCrt, caKey, "operator")
    cliTLS, err := tlsx.Options{Enable: true, CAFile: caCrt, CertFile: opCrt, KeyFile: opKey}.Client()
    if err != nil { t.Fatalf("tls client: %v", err) }
    cli := httpjson.NewClient(3 * time.Second).UseTLS(cliTLS)
    runProposal(t, ctx, nodes, cli, listenAddrs(cfgs))

    plain := httpjson.NewClient(time.Second)
    if _, err := plain.GetStatus(ctx, cfgs[0].Listen); err == nil { t.Fatalf("plaintext status succeeded against an mTLS endpoint") }
}

func mustMakeCA(t *testing.T, dir string) (crtPath, keyPath string) {
    t.Helper()
    priv, _ := rsa.GenerateKey(rand.Reader, 2048)
    tpl := caTemplate()
    der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &priv.PublicKey, priv)
    if err != nil { t.Fatalf("ca: %v", err) }
    crtPath = filepath.Join(dir, "ca.crt")
    keyPath = filepath.Join(dir, "ca.key")
    writePEM(t, crtPath, "CERTIFICATE", der)
    writePEM(t, keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
    return
}

func caTemplate() *x509.Certificate {
    return &x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "go-intergov-ca"}, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(48 * time.Hour), KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign, IsCA: true, BasicConstraintsValid: true}
}

// mustMakeLeaf issues a certificate whose common name is the peer id, usable
// both to serve and to dial.
func mustMakeLeaf(t *testing.T, dir, caCrt, caKey, cn string) (string, string) {
    t.Helper()
    ca := readCert(t, caCrt)
    caPriv := readKey(t, caKey)
    priv, _ := rsa.GenerateKey(rand.Reader, 2048)
    tpl := &x509.Certificate{
        SerialNumber: big.NewInt(time.Now().UnixNano()),
        Subject:      pkix.Name{CommonName: cn},
        NotBefore:    time.Now().Add(-time.Hour),
        NotAfter:     time.Now().Add(24 * time.Hour),
        KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
        ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
    }
    der, err := x509.CreateCertificate(rand.Reader, tpl, ca, &priv.PublicKey, caPriv)
    if err != nil { t.Fatalf("leaf %s: %v", cn, err) }
    crtPath := filepath.Join(dir, cn+".crt")
    keyPath := filepath.Join(dir, cn+".key")
    writePEM(t, crtPath, "CERTIFICATE", der)
    writePEM(t, keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
    return crtPath, keyPath
}

func readPEM(t *testing.T, path string) []byte {
    t.Helper()
    raw, err := os.ReadFile(path)
    if err != nil { t.Fatalf("read %s: %v", path, err) }
    b, _ := pem.Decode(raw)
    if b == nil { t.Fatalf("no pem block in %s", path) }
    return b.Bytes
}

func readCert(t *testing.T, path string) *x509.Certificate {
    t.Helper()
    c, err := x509.ParseCertificate(readPEM(t, path))
    if err != nil { t.Fatalf("parse %s: %v", path, err) }
    return c
}

func readKey(t *testing.T, path string) *rsa.PrivateKey {
    t.Helper()
    k, err := x509.ParsePKCS1PrivateKey(readPEM(t, path))
    if err != nil { t.Fatalf("parse %s: %v", path, err) }
    return k
}

func writePEM(t *testing.T, path, typ string, der []byte) {
    t.Helper()
    f, err := os.Create(path)
    if err != nil {
        t.Fatalf("create %s: %v", path, err)
    }
    defer f.Close()
    if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil {
        t.Fatalf("pem encode %s: %v", path, err)
    }
}
