//go:build linux

package stream

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// The reactor owns raw non-blocking file descriptors rather than net.Conn
// values: Go's net package hides the readiness primitive (epoll) the
// reactor needs to drive directly (see the reactor package doc).
// golang.org/x/sys/unix is the only realistic route to that from Go.

func newSocketFd() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	return fd, nil
}

func bindListen(fd int, ip [4]byte, port int, backlog int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: ip}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func getsockname(fd int) (string, int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", 0, fmt.Errorf("getsockname: %w", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "", 0, fmt.Errorf("getsockname: unexpected sockaddr type %T", sa)
	}
	return ipv4String(in4.Addr), in4.Port, nil
}

func getpeername(fd int) (string, int, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return "", 0, fmt.Errorf("getpeername: %w", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "", 0, fmt.Errorf("getpeername: unexpected sockaddr type %T", sa)
	}
	return ipv4String(in4.Addr), in4.Port, nil
}

// connectNonblocking starts a non-blocking connect. immediate reports
// whether the connection completed synchronously (rare, but possible for
// e.g. loopback); otherwise the caller must wait for writability and then
// call socketError to learn the outcome.
func connectNonblocking(fd int, ip [4]byte, port int) (immediate bool, err error) {
	sa := &unix.SockaddrInet4{Port: port, Addr: ip}
	err = unix.Connect(fd, sa)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.EINPROGRESS) {
		return false, nil
	}
	return false, fmt.Errorf("connect: %w", err)
}

// socketError retrieves and clears a pending SO_ERROR, used after a
// non-blocking connect's socket becomes writable to learn whether it
// actually succeeded.
func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func acceptNonblocking(fd int) (int, string, int, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, "", 0, err
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(nfd)
		return -1, "", 0, fmt.Errorf("accept: unexpected sockaddr type %T", sa)
	}
	return nfd, ipv4String(in4.Addr), in4.Port, nil
}

func readFd(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	return n, err
}

func writeFd(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	return n, err
}

func closeFd(fd int) error {
	return unix.Close(fd)
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func ipv4String(b [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}
