package api

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	shellwords "github.com/mattn/go-shellwords"
)

// tlsConfig resolves the TLS settings: explicit cert/key paths win, the
// auto toggle falls back to an ephemeral self-signed pair, otherwise TLS
// stays off.
func (s *Server) tlsConfig() (*tls.Config, error) {
	certPath, keyPath := s.cfg.TLSCert, s.cfg.TLSKey
	switch {
	case certPath != "" && keyPath != "":
	case s.cfg.TLSAuto:
		var err error
		certPath, keyPath, err = s.generateSelfSigned()
		if err != nil {
			return nil, err
		}
	default:
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// generateSelfSigned shells out to openssl for an ephemeral keypair. The
// binary (plus leading arguments) can be overridden with
// SCHEDULER_OPENSSL_BIN for hosts where openssl lives behind a wrapper.
func (s *Server) generateSelfSigned() (certPath, keyPath string, err error) {
	bin := []string{"openssl"}
	if s.cfg.OpenSSLBin != "" {
		bin, err = shellwords.Parse(s.cfg.OpenSSLBin)
		if err != nil || len(bin) == 0 {
			return "", "", fmt.Errorf("parse SCHEDULER_OPENSSL_BIN: %v", err)
		}
	}

	dir, err := os.MkdirTemp("", "scheduler-tls-")
	if err != nil {
		return "", "", fmt.Errorf("tls temp dir: %w", err)
	}
	s.tlsTempDir = dir
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	args := append(bin[1:],
		"req", "-x509", "-newkey", "rsa:2048",
		"-keyout", keyPath, "-out", certPath,
		"-days", "365", "-nodes",
		"-subj", "/CN=localhost")
	cmd := exec.Command(bin[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", "", fmt.Errorf("generate self-signed cert: %w: %s", err, out)
	}
	slog.Info("generated ephemeral self-signed certificate", "cert", certPath)
	return certPath, keyPath, nil
}
