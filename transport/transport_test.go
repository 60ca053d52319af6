package transport_test

import (
	"io"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/progrium/dtalk-go/transport"
)

var _ = Describe("transport", func() {
	Describe("TCP", func() {
		It("carries bytes both ways", func() {
			l, err := transport.ListenTCP("127.0.0.1:0", false)
			Expect(err).To(Succeed())
			defer l.Close()

			expectEcho(l, func() (io.ReadWriteCloser, error) {
				return transport.DialTCP(l.Addr().String())
			})
		})

		It("lets two listeners share a port with reuseport", func() {
			a, err := transport.ListenTCP("127.0.0.1:0", true)
			Expect(err).To(Succeed())
			defer a.Close()

			b, err := transport.ListenTCP(a.Addr().String(), true)
			Expect(err).To(Succeed())
			defer b.Close()

			Expect(b.Addr().String()).To(Equal(a.Addr().String()))
		})

		It("returns ErrListenerClosed after Close", func() {
			l, err := transport.ListenTCP("127.0.0.1:0", false)
			Expect(err).To(Succeed())
			Expect(l.Close()).To(Succeed())

			_, err = l.Accept()
			Expect(err).To(MatchError(transport.ErrListenerClosed))
		})
	})

	Describe("Unix", func() {
		It("carries bytes both ways", func() {
			dir, err := os.MkdirTemp("", "dtalk")
			Expect(err).To(Succeed())
			defer os.RemoveAll(dir)
			path := filepath.Join(dir, "dtalk.sock")

			l, err := transport.ListenUnix(path)
			Expect(err).To(Succeed())
			defer l.Close()

			expectEcho(l, func() (io.ReadWriteCloser, error) {
				return transport.DialUnix(path)
			})
		})
	})

	Describe("WebSocket", func() {
		It("carries bytes both ways", func() {
			l, err := transport.ListenWS("127.0.0.1:0")
			Expect(err).To(Succeed())
			defer l.Close()

			expectEcho(l, func() (io.ReadWriteCloser, error) {
				return transport.DialWS(l.Addr().String())
			})
		})

		It("unblocks Accept on Close", func() {
			l, err := transport.ListenWS("127.0.0.1:0")
			Expect(err).To(Succeed())

			errs := make(chan error, 1)
			go func() {
				_, err := l.Accept()
				errs <- err
			}()
			Expect(l.Close()).To(Succeed())
			Eventually(errs, time.Second).Should(Receive(MatchError(transport.ErrListenerClosed)))
		})
	})

	Describe("QUIC", func() {
		It("opens the stream from the accepting side", func() {
			l, err := transport.ListenQUIC("127.0.0.1:0", nil)
			Expect(err).To(Succeed())
			defer l.Close()

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)

				rwc, err := l.Accept()
				Expect(err).To(Succeed())
				defer rwc.Close()

				_, err = rwc.Write([]byte("hello"))
				Expect(err).To(Succeed())
				Expect(readN(rwc, 4)).To(Equal("pong"))
			}()

			rwc, err := transport.DialQUIC(l.Addr().String())
			Expect(err).To(Succeed())
			defer rwc.Close()

			Expect(readN(rwc, 5)).To(Equal("hello"))
			_, err = rwc.Write([]byte("pong"))
			Expect(err).To(Succeed())
			Eventually(done, 5*time.Second).Should(BeClosed())
		})
	})

	Describe("IO", func() {
		It("accepts its single stream once", func() {
			inR, inW := io.Pipe()
			outR, outW := io.Pipe()
			l := transport.ListenIO(outW, inR)

			rwc, err := l.Accept()
			Expect(err).To(Succeed())

			go inW.Write([]byte("ping"))
			Expect(readN(rwc, 4)).To(Equal("ping"))

			go rwc.Write([]byte("pong"))
			buf := make([]byte, 4)
			_, err = io.ReadFull(outR, buf)
			Expect(err).To(Succeed())
			Expect(string(buf)).To(Equal("pong"))

			errs := make(chan error, 1)
			go func() {
				_, err := l.Accept()
				errs <- err
			}()
			Consistently(errs, 50*time.Millisecond).ShouldNot(Receive())
			Expect(l.Close()).To(Succeed())
			Eventually(errs, time.Second).Should(Receive(MatchError(transport.ErrListenerClosed)))
			Expect(rwc.Close()).To(Succeed())
		})
	})
})

// expectEcho dials l, writes through the dialed side and echoes back from
// the accepted side.
func expectEcho(l transport.Listener, dial func() (io.ReadWriteCloser, error)) {
	accepted := make(chan io.ReadWriteCloser, 1)
	go func() {
		defer GinkgoRecover()
		rwc, err := l.Accept()
		Expect(err).To(Succeed())
		accepted <- rwc
	}()

	client, err := dial()
	Expect(err).To(Succeed())
	defer client.Close()

	var server io.ReadWriteCloser
	Eventually(accepted, 5*time.Second).Should(Receive(&server))
	defer server.Close()

	_, err = client.Write([]byte("ping"))
	Expect(err).To(Succeed())
	Expect(readN(server, 4)).To(Equal("ping"))

	_, err = server.Write([]byte("pong"))
	Expect(err).To(Succeed())
	Expect(readN(client, 4)).To(Equal("pong"))
}

func readN(r io.Reader, n int) string {
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	Expect(err).To(Succeed())
	return string(buf)
}
