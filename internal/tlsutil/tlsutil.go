// Package tlsutil builds the *tls.Config for the optional RTMPS listener.
//
// The teacher's go.mod already requires github.com/AgustinSRG/go-tls-certificate-loader,
// but rtmp_ssl.go never imports it — SslCertificateLoader there hand-rolls
// the exact same stat-and-reload polling loop the library exists to
// provide. This package wires the library in, in the teacher's own
// dependency's place, instead of leaving it dead weight in go.mod.
package tlsutil

import (
	"crypto/tls"
	"time"

	certloader "github.com/AgustinSRG/go-tls-certificate-loader"

	"github.com/riverstream/rtmpd/internal/rtmplog"
)

const defaultCheckInterval = 30 * time.Second

// LoadHotReloading builds a *tls.Config backed by a certificate loader
// that re-reads certPath/keyPath from disk whenever they change, so an
// operator can rotate an RTMPS certificate without restarting the
// server. checkInterval <= 0 uses the teacher's original 30s default.
func LoadHotReloading(certPath, keyPath string, checkInterval time.Duration) (*tls.Config, error) {
	if checkInterval <= 0 {
		checkInterval = defaultCheckInterval
	}

	loader, err := certloader.NewCertificateLoader(certPath, keyPath, checkInterval)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := loader.Watch(); err != nil {
			rtmplog.Error(err)
		}
	}()

	return &tls.Config{
		GetCertificate: loader.GetCertificateFunc(),
	}, nil
}
