package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/fs"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ServerOpts defines configuration options for the HTTP server.
type ServerOpts struct {
	EnableTls         bool          // Serve HTTPS using the pairs found in the TLS directory
	MaxHeaderBytes    int           // Maximum size of request headers in bytes
	ReadHeaderTimeout time.Duration // Timeout for reading request headers
	WriteTimeout      time.Duration // Timeout for writing responses
	IdleTimeout       time.Duration // Timeout for idle keep-alive connections
	ShutdownTimeout   time.Duration
}

// Server wraps an http.Server with TLS loading and a graceful, idempotent
// shutdown. Signal handling belongs to the process entry point.
type Server struct {
	server       *http.Server
	listener     net.Listener
	done         chan struct{}
	shutdownOnce sync.Once

	ServerName   string
	Opts         ServerOpts
	Address      string // host:port; port 0 picks a free port
	TlsConfigDir string
	Logger       zerolog.Logger
	Mux          http.Handler
}

// NewServer creates a new Server instance with the specified configuration.
//
// Parameters:
//   - serverName: The name of the server, used in logs.
//   - address: The network address to listen on (e.g., "127.0.0.1:8089").
//   - logger: The io.Writer for the server's zerolog logger.
//   - tlsDir: The directory containing TLS certificate (.cert) and key (.key) files.
//   - opts: The ServerOpts configuration for the server.
//
// Returns:
//   - A pointer to a new Server instance, or an error describing the invalid argument.
func NewServer(
	serverName string, address string, logger io.Writer, tlsDir string, opts ServerOpts) (*Server, error) {

	if serverName == "" {
		return nil, fmt.Errorf("serverName cannot be empty")
	}

	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}

	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	if opts.EnableTls && tlsDir == "" {
		return nil, fmt.Errorf("tlsDir required when EnableTls is true")
	}

	if opts.MaxHeaderBytes < 0 {
		return nil, fmt.Errorf("MaxHeaderBytes cannot be negative")
	}

	return &Server{
		ServerName:   serverName,
		Address:      address,
		Opts:         opts,
		TlsConfigDir: tlsDir,
		Logger:       zerolog.New(logger).With().Timestamp().Str("server", serverName).Logger(),
		done:         make(chan struct{}),
	}, nil
}

// Listen binds the listening socket and prepares the http.Server. Serve
// calls it when the caller has not.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}

	s.server = &http.Server{
		Handler:           s.Mux,
		MaxHeaderBytes:    s.Opts.MaxHeaderBytes,
		ReadHeaderTimeout: s.Opts.ReadHeaderTimeout,
		WriteTimeout:      s.Opts.WriteTimeout,
		IdleTimeout:       s.Opts.IdleTimeout,
		ErrorLog:          stdlog.New(s.Logger, "", 0),
	}

	if s.Opts.EnableTls {
		certificates, err := collectTlsCertificates(s.TlsConfigDir)
		if err != nil {
			return fmt.Errorf("TLS certificate loading failed: %w", err)
		}
		if len(certificates) == 0 {
			return fmt.Errorf("no certificate pairs found in %s", s.TlsConfigDir)
		}

		s.server.TLSConfig = &tls.Config{
			Certificates: certificates,
			ClientAuth:   tls.VerifyClientCertIfGiven,
			MinVersion:   tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			},
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
	}

	l, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("server start failed: %w", err)
	}
	s.listener = l
	return nil
}

// Addr reports the bound address once Listen has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.Address
	}
	return s.listener.Addr().String()
}

// Serve accepts requests until Shutdown is called or the listener fails.
// On shutdown, in-flight requests get ShutdownTimeout (10s by default) to
// finish.
func (s *Server) Serve() error {
	if err := s.Listen(); err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		s.Logger.Info().Msgf("Starting server on %v", s.Addr())
		var err error
		if s.Opts.EnableTls {
			err = s.server.ServeTLS(s.listener, "", "")
		} else {
			err = s.server.Serve(s.listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server failed: %w", err)
		}
	}()

	timeout := s.Opts.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	select {
	case err := <-errChan:
		return err
	case <-s.done:
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			s.Logger.Error().Msgf("Could not shutdown server properly: %v", err)
			return err
		}
		s.Logger.Info().Msg("Server terminated successfully")
	}
	return nil
}

// Shutdown asks Serve to stop. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.done)
	})
}

// collectTlsCertificates loads TLS certificate and key pairs from the specified directory.
//
// It walks the directory to find files with ".cert" and ".key" extensions, pairing them by name
// (e.g., "server.cert" with "server.key"). Each pair is loaded into a tls.Certificate.
//
// Returns:
//   - A slice of tls.Certificate objects for the loaded certificate-key pairs.
//   - An error if the directory cannot be read, a key is missing, or a certificate pair fails to load.
func collectTlsCertificates(directory string) ([]tls.Certificate, error) {
	certFiles := make(map[string]string)
	keyFiles := make(map[string]string)

	err := fs.WalkDir(
		os.DirFS(directory), ".",
		func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			if !d.Type().IsRegular() {
				return nil
			}

			fullPath := filepath.Join(directory, path)
			switch {
			case strings.HasSuffix(d.Name(), ".cert"):
				certFiles[d.Name()] = fullPath
			case strings.HasSuffix(d.Name(), ".key"):
				keyFiles[d.Name()] = fullPath
			}
			return nil
		})

	if err != nil {
		return nil, fmt.Errorf("error walking directory: %w", err)
	}

	var missingKeys []string
	for certName := range certFiles {
		keyName := strings.TrimSuffix(certName, ".cert") + ".key"
		if _, ok := keyFiles[keyName]; !ok {
			missingKeys = append(missingKeys, certName)
		}
	}

	if len(missingKeys) > 0 {
		return nil, fmt.Errorf("missing keys for certificates: %v", missingKeys)
	}

	certificates := make([]tls.Certificate, 0, len(certFiles))
	for certName, certPath := range certFiles {
		keyPath := keyFiles[strings.TrimSuffix(certName, ".cert")+".key"]

		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate pair %s: %w", certName, err)
		}

		certificates = append(certificates, cert)
	}

	return certificates, nil
}
