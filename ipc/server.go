// Package ipc implements the local Unix-domain-socket control endpoint
// (spec §4.8): one newline-delimited request per connection, one typed
// response, then close.
package ipc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/michaelroland/wdnas-hwdaemon/bays"
	"github.com/michaelroland/wdnas-hwdaemon/pmc"
	"github.com/michaelroland/wdnas-hwdaemon/sockets"
	"github.com/michaelroland/wdnas-hwdaemon/thermal"
)

// DefaultMaxClients is spec §4.8's default accept-loop cap.
const DefaultMaxClients = 10

// Governor is the narrow slice of thermal.Governor the IPC server needs.
type Governor interface {
	Duty() (current, target int)
}

// Server is the local control endpoint.
type Server struct {
	log        zerolog.Logger
	path       string
	maxClients int

	engine    *pmc.Engine
	thermal   *thermal.State
	governor  Governor
	bayState  *bays.State
	sockState *sockets.State
	shutdown  func(reason string)

	listener net.Listener
	sem      chan struct{}
}

// NewServer builds a Server bound to path once Run is called.
func NewServer(log zerolog.Logger, path string, maxClients int, engine *pmc.Engine, th *thermal.State, gov Governor, bayState *bays.State, sockState *sockets.State, shutdown func(reason string)) *Server {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	return &Server{
		log:        log,
		path:       path,
		maxClients: maxClients,
		engine:     engine,
		thermal:    th,
		governor:   gov,
		bayState:   bayState,
		sockState:  sockState,
		shutdown:   shutdown,
		sem:        make(chan struct{}, maxClients),
	}
}

// Bind removes any stale socket file, listens on it, and chmods it to
// 0660. It must run before daemon.DropPrivileges: the socket path is
// typically root-owned (e.g. /var/run), so binding it is one of the
// privileged resources spec §4.7's privilege-drop ordering requires to
// already be open by the time privileges are dropped. The listener is kept
// on the Server across the drop; callers then pass ctx to Serve.
func (s *Server) Bind() error {
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0660); err != nil {
		ln.Close()
		return fmt.Errorf("chmod %s: %w", s.path, err)
	}
	s.listener = ln
	return nil
}

// Serve accepts connections on the listener Bind already opened, until
// ctx is cancelled. Bind must be called first.
func (s *Server) Serve(ctx context.Context) error {
	ln := s.listener
	if ln == nil {
		return fmt.Errorf("ipc: Serve called before Bind")
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		select {
		case s.sem <- struct{}{}:
			go func() {
				defer func() { <-s.sem }()
				s.handle(ctx, conn)
			}()
		default:
			// At capacity: reject immediately rather than queueing
			// unboundedly (spec §4.8's "bounded accept loop").
			conn.Close()
		}
	}
}

// Run is Bind followed by Serve, for callers that don't need to bind the
// socket before a privilege drop (e.g. tests dialing a throwaway path).
func (s *Server) Run(ctx context.Context) error {
	if err := s.Bind(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	line = strings.TrimRight(line, "\r\n")

	resp := s.dispatch(ctx, line)
	fmt.Fprintln(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty request"
	}

	switch fields[0] {
	case "version":
		return s.cmdVersion(ctx)
	case "temperature":
		return s.cmdTemperature()
	case "fan":
		return s.cmdFan()
	case "drives":
		return s.cmdDrives()
	case "power":
		return s.cmdPower()
	case "lcd":
		if len(fields) < 2 {
			return "ERR lcd requires a subcommand"
		}
		switch fields[1] {
		case "set":
			return s.cmdLCDSet(ctx, line)
		case "backlight":
			return s.cmdLCDBacklight(ctx, fields)
		default:
			return "ERR unknown lcd subcommand"
		}
	case "led":
		return s.cmdLED(ctx, fields)
	case "shutdown":
		return s.cmdShutdown()
	default:
		return fmt.Sprintf("ERR unknown operation %q", fields[0])
	}
}

func (s *Server) cmdVersion(ctx context.Context) string {
	ver, err := s.engine.GetRaw(ctx, "VER")
	if err != nil {
		return "ERR " + err.Error()
	}
	return ver
}

func (s *Server) cmdTemperature() string {
	snap := s.thermal.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "board=%.1f", snap.BoardC)
	for name, v := range snap.DiskC {
		fmt.Fprintf(&b, "\t%s=%.1f", name, v)
	}
	return b.String()
}

func (s *Server) cmdFan() string {
	current, target := s.governor.Duty()
	rpm := "?"
	return fmt.Sprintf("current=%d\ttarget=%d\trpm=%s", current, target, rpm)
}

func (s *Server) cmdDrives() string {
	snap := s.bayState.Snapshot()
	var b strings.Builder
	for i, bay := range snap {
		if i > 0 {
			b.WriteByte('\t')
		}
		fmt.Fprintf(&b, "bay%d:present=%v,powered=%v,alert=%v", bay.Index, bay.Present, bay.Powered, bay.AlertLED)
	}
	return b.String()
}

func (s *Server) cmdPower() string {
	s1, s2 := s.sockState.Snapshot()
	return fmt.Sprintf("socket1=%v\tsocket2=%v", s1, s2)
}

func (s *Server) cmdLCDSet(ctx context.Context, line string) string {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "lcd"))
	rest = strings.TrimSpace(strings.TrimPrefix(rest, "set"))
	lines := strings.SplitN(rest, "\t", 2)
	l1 := lines[0]
	l2 := ""
	if len(lines) == 2 {
		l2 = lines[1]
	}

	if err := s.engine.SetText(ctx, "LN1", l1); err != nil {
		return "ERR " + err.Error()
	}
	if err := s.engine.SetText(ctx, "LN2", l2); err != nil {
		return "ERR " + err.Error()
	}
	return "ACK"
}

func (s *Server) cmdLCDBacklight(ctx context.Context, fields []string) string {
	if len(fields) < 3 {
		return "ERR lcd backlight requires a percentage"
	}
	pct, err := strconv.Atoi(fields[2])
	if err != nil || pct < 0 || pct > 100 {
		return "ERR invalid percentage"
	}
	if err := s.engine.SetNumeric(ctx, "BKL", uint16(pct)); err != nil {
		return "ERR " + err.Error()
	}
	return "ACK"
}

func (s *Server) cmdLED(ctx context.Context, fields []string) string {
	if len(fields) < 2 {
		return "ERR led requires a bitmask"
	}
	v, err := strconv.ParseUint(fields[1], 16, 16)
	if err != nil {
		return "ERR invalid bitmask"
	}
	if err := s.engine.SetNumeric(ctx, "LED", uint16(v)); err != nil {
		return "ERR " + err.Error()
	}
	return "ACK"
}

func (s *Server) cmdShutdown() string {
	if s.shutdown != nil {
		s.shutdown("requested via IPC")
	}
	return "ACK"
}
