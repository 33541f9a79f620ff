package application

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// Broker ports. The TLS port is selected whenever a client certificate is configured.
const (
	PlainPort = 1883
	TLSPort   = 8883

	maxQoS = 2

	tlsMinVersion = tls.VersionTLS12
)

// Will is the message the broker publishes on the client's behalf when the
// connection drops without a DISCONNECT.
type Will struct {
	Topic    string
	Message  []byte
	QoS      byte
	Retained bool
}

// ConnectOptions holds credentials, TLS material and the last will.
//
// It is a value type: build it once with NewConnectOptions and the With*
// methods, then hand it to a connection. Every connect attempt reads the
// same options; nothing in this package modifies them.
type ConnectOptions struct {
	Username string
	Password string

	CAFile         string
	ClientCertFile string
	// ClientKeyFile may be left empty when the private key is bundled in ClientCertFile.
	ClientKeyFile string

	// VerifyHostname enables server name verification. The certificate chain
	// is verified against CAFile either way.
	VerifyHostname bool

	Will *Will
}

func NewConnectOptions(username, password string) ConnectOptions {
	return ConnectOptions{Username: username, Password: password}
}

// WithWill returns a copy of o carrying the given last will.
func (o ConnectOptions) WithWill(topic string, message []byte, qos byte, retained bool) ConnectOptions {
	msg := make([]byte, len(message))
	copy(msg, message)
	o.Will = &Will{Topic: topic, Message: msg, QoS: qos, Retained: retained}
	return o
}

// WithTLS returns a copy of o using the given CA, client certificate and key files.
func (o ConnectOptions) WithTLS(caFile, certFile, keyFile string) ConnectOptions {
	o.CAFile = caFile
	o.ClientCertFile = certFile
	o.ClientKeyFile = keyFile
	return o
}

// UsesTLS reports whether connections are made on the TLS port.
func (o ConnectOptions) UsesTLS() bool {
	return o.ClientCertFile != ""
}

// Port returns PlainPort or TLSPort.
func (o ConnectOptions) Port() int {
	if o.UsesTLS() {
		return TLSPort
	}
	return PlainPort
}

// Validate checks the options without touching the network. Every declared
// file must exist.
func (o ConnectOptions) Validate() error {
	if o.CAFile != "" {
		if err := checkFile(o.CAFile); err != nil {
			return fmt.Errorf("%w: CA file %q: %w", ErrConfig, o.CAFile, err)
		}
	}
	if o.ClientCertFile != "" {
		if err := checkFile(o.ClientCertFile); err != nil {
			return fmt.Errorf("%w: client certificate file %q: %w", ErrConfig, o.ClientCertFile, err)
		}
	}
	if o.ClientKeyFile != "" {
		if o.ClientCertFile == "" {
			return fmt.Errorf("%w: client key file set without a client certificate", ErrConfig)
		}
		if err := checkFile(o.ClientKeyFile); err != nil {
			return fmt.Errorf("%w: client private key file %q: %w", ErrConfig, o.ClientKeyFile, err)
		}
	}
	if o.Will != nil {
		if o.Will.Topic == "" {
			return fmt.Errorf("%w: will topic cannot be empty", ErrConfig)
		}
		if o.Will.QoS > maxQoS {
			return fmt.Errorf("%w: will QoS %d", ErrConfig, o.Will.QoS)
		}
	}
	return nil
}

// password normalizes an empty password to "no password".
func (o ConnectOptions) password() *string {
	if o.Password == "" {
		return nil
	}
	p := o.Password
	return &p
}

func (o ConnectOptions) keyFile() string {
	if o.ClientKeyFile != "" {
		return o.ClientKeyFile
	}
	return o.ClientCertFile
}

// TLSConfig loads the configured certificates. It returns nil when no client
// certificate is configured.
func (o ConnectOptions) TLSConfig() (*tls.Config, error) {
	if !o.UsesTLS() {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion: tlsMinVersion,
	}

	var roots *x509.CertPool
	if o.CAFile != "" {
		pem, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading CA file: %w", ErrConfig, err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates found in CA file %q", ErrConfig, o.CAFile)
		}
		cfg.RootCAs = roots
	}

	cert, err := tls.LoadX509KeyPair(o.ClientCertFile, o.keyFile())
	if err != nil {
		return nil, fmt.Errorf("%w: loading client certificate: %w", ErrConfig, err)
	}
	cfg.Certificates = []tls.Certificate{cert}

	if !o.VerifyHostname {
		// Skip the default verification (which includes the server name) and
		// verify the chain alone.
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return verifyChain(cs, roots)
		}
	}

	return cfg, nil
}

func verifyChain(cs tls.ConnectionState, roots *x509.CertPool) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("tls: server presented no certificate")
	}
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: x509.NewCertPool(),
	}
	for _, c := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(c)
	}
	_, err := cs.PeerCertificates[0].Verify(opts)
	return err
}

func checkFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return errors.New("is a directory")
	}
	return nil
}
