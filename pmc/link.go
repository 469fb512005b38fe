package pmc

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tarm/serial"

	"github.com/michaelroland/wdnas-hwdaemon/pmcerr"
)

// LinkConfig names the serial parameters the PMC expects (spec §4.1): 9600
// baud, 8 data bits, no parity, 1 stop bit, no flow control.
type LinkConfig struct {
	Device string
}

// Link owns the UART. It exposes only ReadFrame/WriteFrame; everything
// above "is this a complete line" (framing, command/response correlation)
// is the Engine's job, not the Link's — mirroring how the teacher's
// Connection keeps readMessage/writeMessage dumb and leaves op semantics to
// ReadOp/Reply.
//
// port is an io.ReadWriteCloser rather than a concrete *serial.Port so that
// Engine's tests can drive the protocol state machine over an in-memory
// mock wire, per spec §8's "concurrent get/set calls produce exactly one
// outstanding frame on the mock wire" testable property.
type Link struct {
	port io.ReadWriteCloser
	r    *bufio.Reader

	writeMu sync.Mutex
}

// Open opens the UART at the fixed PMC parameters. Failure here is fatal to
// the daemon (spec §4.1).
func Open(cfg LinkConfig) (*Link, error) {
	sc := &serial.Config{
		Name:        cfg.Device,
		Baud:        9600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 0,
	}

	p, err := serial.OpenPort(sc)
	if err != nil {
		return nil, pmcerr.Wrap(pmcerr.LinkIO, "opening "+cfg.Device, err)
	}

	return NewLink(p), nil
}

// NewLink wraps an already-open duplex byte stream as a Link. Production
// callers should use Open; this constructor exists so tests can substitute
// an in-memory mock wire for the real UART.
func NewLink(rwc io.ReadWriteCloser) *Link {
	return &Link{port: rwc, r: bufio.NewReader(rwc)}
}

// ReadFrame returns the next complete frame: bytes up to (excluding) the
// first carriage return, with surrounding whitespace trimmed. Empty frames
// are returned as "" — the caller (Engine) is responsible for discarding
// them silently, per spec §3.
func (l *Link) ReadFrame() (string, error) {
	line, err := l.r.ReadString('\r')
	if err != nil {
		if err == io.EOF {
			return "", io.EOF
		}
		return "", pmcerr.Wrap(pmcerr.LinkIO, "reading frame", err)
	}

	return strings.TrimSpace(strings.TrimSuffix(line, "\r")), nil
}

// WriteFrame appends a trailing CR and writes the result in a single
// logical operation, retrying on partial writes (spec §4.1).
func (l *Link) WriteFrame(body string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	buf := []byte(body + "\r")
	for len(buf) > 0 {
		n, err := l.port.Write(buf)
		if err != nil {
			return pmcerr.Wrap(pmcerr.LinkIO, fmt.Sprintf("writing frame %q", body), err)
		}
		buf = buf[n:]
	}
	return nil
}

// Close releases the underlying serial port.
func (l *Link) Close() error {
	return l.port.Close()
}
