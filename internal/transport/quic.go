package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/hotswap/internal/core/observability/log"
)

// ALPN is the application protocol both ends of a quic source negotiate.
const ALPN = "hotswap-quic"

var _ Source = (*QUIC)(nil)

// QUIC accepts quic connections and reads length-prefixed frames (see
// WriteFrame) from every stream the peer opens.
type QUIC struct {
	router     *Router
	logger     log.Log
	addr       string
	certFile   string
	keyFile    string
	maxPayload int

	running  int32
	listener *quic.Listener
	ctx      context.Context
	cancel   context.CancelFunc

	connsMu sync.Mutex
	conns   map[*quic.Conn]struct{}
	wg      sync.WaitGroup

	streams atomic.Int64
}

// NewQUIC builds a quic source. Without certFile and keyFile a self-signed
// certificate for localhost is generated at Start.
func NewQUIC(router *Router, addr, certFile, keyFile string, opts ...SourceOption) *QUIC {
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &QUIC{
		router:     router,
		logger:     o.logger.With(log.String("protocol", "quic")),
		addr:       addr,
		certFile:   certFile,
		keyFile:    keyFile,
		maxPayload: o.maxPayload,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[*quic.Conn]struct{}),
	}
}

func (q *QUIC) Name() string { return "quic" }

func (q *QUIC) Addr() net.Addr {
	if q.listener == nil {
		return nil
	}
	return q.listener.Addr()
}

func (q *QUIC) Start(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&q.running, 0, 1) {
		return errors.New("quic source is already running")
	}

	tlsConfig, err := q.createTLSConfig()
	if err != nil {
		atomic.StoreInt32(&q.running, 0)
		return errors.Wrap(err, "failed to create TLS config")
	}

	listener, err := quic.ListenAddr(q.addr, tlsConfig, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		atomic.StoreInt32(&q.running, 0)
		return errors.Wrap(err, "failed to start QUIC listener")
	}
	q.listener = listener

	q.wg.Add(1)
	go q.acceptConnections()

	q.logger.Info("quic source started", log.String("address", listener.Addr().String()))
	return nil
}

func (q *QUIC) Stop(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&q.running, 1, 0) {
		return nil
	}
	q.connsMu.Lock()
	q.cancel()
	q.connsMu.Unlock()
	err := q.listener.Close()

	q.connsMu.Lock()
	for conn := range q.conns {
		_ = conn.CloseWithError(0, "shutting down")
	}
	q.connsMu.Unlock()

	q.wg.Wait()
	q.logger.Info("quic source stopped")
	if err != nil {
		return errors.Wrap(err, "close quic listener")
	}
	return nil
}

func (q *QUIC) acceptConnections() {
	defer q.wg.Done()
	for {
		conn, err := q.listener.Accept(q.ctx)
		if err != nil {
			if atomic.LoadInt32(&q.running) == 1 {
				q.logger.Error("failed to accept connection", log.Error(err))
			}
			return
		}

		q.connsMu.Lock()
		if q.ctx.Err() != nil {
			q.connsMu.Unlock()
			_ = conn.CloseWithError(0, "shutting down")
			return
		}
		q.conns[conn] = struct{}{}
		q.connsMu.Unlock()

		q.wg.Add(1)
		go q.handleConnection(conn)
	}
}

func (q *QUIC) handleConnection(conn *quic.Conn) {
	defer func() {
		q.connsMu.Lock()
		delete(q.conns, conn)
		q.connsMu.Unlock()
		q.wg.Done()
	}()

	q.logger.Debug("client connected", log.String("remote_addr", conn.RemoteAddr().String()))
	for {
		stream, err := conn.AcceptStream(q.ctx)
		if err != nil {
			q.logger.Debug("client disconnected", log.String("remote_addr", conn.RemoteAddr().String()), log.Error(err))
			return
		}
		q.wg.Add(1)
		go q.handleStream(stream)
	}
}

func (q *QUIC) handleStream(stream *quic.Stream) {
	q.streams.Add(1)
	defer func() {
		q.streams.Add(-1)
		_ = stream.Close()
		q.wg.Done()
	}()

	for {
		p, err := ReadFrame(stream, q.maxPayload)
		if err != nil {
			if !errors.Is(err, io.EOF) && q.ctx.Err() == nil {
				q.logger.Debug("failed to read frame", log.Error(err))
				stream.CancelRead(1)
			}
			return
		}
		if err = q.router.Deliver(q.ctx, p); err != nil {
			q.logger.Debug("delivery failed", log.Stringer("payload", p), log.Error(err))
		}
	}
}

// ActiveStreams is the number of streams currently being read.
func (q *QUIC) ActiveStreams() int64 {
	return q.streams.Load()
}

func (q *QUIC) createTLSConfig() (*tls.Config, error) {
	if q.certFile == "" || q.keyFile == "" {
		return generateTLSConfig()
	}

	cert, err := tls.LoadX509KeyPair(q.certFile, q.keyFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load TLS certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// generateTLSConfig builds a self-signed certificate for development use.
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"hotswap"},
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:    []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "create certificate")
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "load generated key pair")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
