package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"

	"github.com/quic-go/quic-go"
)

// QUICProto is the ALPN protocol both ends negotiate.
const QUICProto = "dtalk-quic"

// QUICListener accepts QUIC connections and carries each talk connection
// on a single bidirectional stream. The accepting side opens the stream,
// which is fine because it also speaks first.
type QUICListener struct {
	l *quic.Listener
}

// ListenQUIC listens for QUIC connections on addr. A self-signed
// certificate is generated when tlsConf is nil.
func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	if tlsConf == nil {
		var err error
		if tlsConf, err = generateTLSConfig(); err != nil {
			return nil, err
		}
	}
	l, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	return &QUICListener{l: l}, nil
}

// Accept waits for the next QUIC connection and opens its stream.
func (l *QUICListener) Accept() (io.ReadWriteCloser, error) {
	ctx := context.Background()
	conn, err := l.l.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicStream{Stream: stream, conn: conn}, nil
}

func (l *QUICListener) Close() error {
	return l.l.Close()
}

func (l *QUICListener) Addr() net.Addr {
	return l.l.Addr()
}

// DialQUIC connects to a QUIC listener and waits for the stream it opens.
// The server certificate is not verified.
func DialQUIC(addr string) (io.ReadWriteCloser, error) {
	ctx := context.Background()
	conn, err := quic.DialAddr(ctx, addr, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{QUICProto},
	}, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicStream{Stream: stream, conn: conn}, nil
}

// quicStream closes the whole connection along with its stream.
type quicStream struct {
	quic.Stream
	conn quic.Connection
}

func (s *quicStream) Close() error {
	err := s.Stream.Close()
	if cerr := s.conn.CloseWithError(0, ""); err == nil {
		err = cerr
	}
	return err
}

func (s *quicStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{QUICProto},
	}, nil
}
