package distributor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dreamware/prefork/internal/log"
)

// socketPair returns a connected pair of unix stream sockets. The parent end
// is wrapped as a *net.UnixConn; the child end stays an *os.File so it can be
// placed in exec.Cmd.ExtraFiles.
func socketPair(name string) (*net.UnixConn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])

	pf := os.NewFile(uintptr(fds[0]), "handoff-coordinator-"+name)
	child := os.NewFile(uintptr(fds[1]), "handoff-"+name)

	c, err := net.FileConn(pf)
	_ = pf.Close()
	if err != nil {
		_ = child.Close()
		return nil, nil, fmt.Errorf("wrap handoff socket: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		_ = c.Close()
		_ = child.Close()
		return nil, nil, fmt.Errorf("handoff socket is %T, not a unix conn", c)
	}
	return uc, child, nil
}

type filer interface {
	File() (*os.File, error)
}

// sendConn passes conn's descriptor over uc with SCM_RIGHTS. The caller
// still owns conn and should close its copy afterwards.
func sendConn(uc *net.UnixConn, conn net.Conn) error {
	fc, ok := conn.(filer)
	if !ok {
		return fmt.Errorf("cannot hand off %T", conn)
	}
	f, err := fc.File()
	if err != nil {
		return fmt.Errorf("dup connection: %w", err)
	}
	defer f.Close()

	rights := unix.UnixRights(int(f.Fd()))
	if _, _, err := uc.WriteMsgUnix([]byte{0}, rights, nil); err != nil {
		return fmt.Errorf("send descriptor: %w", err)
	}
	return nil
}

// handoffListener is the child-process side of roundrobin mode. Each Accept
// receives one connection descriptor from the coordinator.
type handoffListener struct {
	uc   *net.UnixConn
	addr net.Addr

	mu  sync.Mutex
	buf []byte
	oob []byte
}

func newHandoffListener(f *os.File, addr string) (net.Listener, error) {
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("inherit handoff socket: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("inherited handoff socket is %T, not a unix conn", c)
	}

	var la net.Addr = uc.LocalAddr()
	if tcp, err := net.ResolveTCPAddr("tcp", addr); err == nil {
		la = tcp
	}
	return &handoffListener{
		uc:   uc,
		addr: la,
		buf:  make([]byte, 1),
		oob:  make([]byte, unix.CmsgSpace(4)),
	}, nil
}

func (l *handoffListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		n, oobn, _, _, err := l.uc.ReadMsgUnix(l.buf, l.oob)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil, net.ErrClosed
			}
			return nil, err
		}
		if oobn == 0 {
			if n == 0 {
				// Coordinator closed its end.
				return nil, net.ErrClosed
			}
			continue
		}

		conn, err := connFromControl(l.oob[:oobn])
		if err != nil {
			log.ErrorErr(log.CatDistrib, "bad handoff message", err)
			continue
		}
		return conn, nil
	}
}

func connFromControl(oob []byte) (net.Conn, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil || len(fds) == 0 {
			continue
		}
		for _, extra := range fds[1:] {
			_ = unix.Close(extra)
		}
		f := os.NewFile(uintptr(fds[0]), "handoff-conn")
		conn, err := net.FileConn(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("wrap handed-off connection: %w", err)
		}
		return conn, nil
	}
	return nil, errors.New("no descriptor in control message")
}

func (l *handoffListener) Close() error {
	return l.uc.Close()
}

func (l *handoffListener) Addr() net.Addr {
	return l.addr
}
