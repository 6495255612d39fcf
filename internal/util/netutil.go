package util

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
)

const (
	// ListenFdsEnvKey holds the number of sockets passed by the service manager.
	ListenFdsEnvKey = "LISTEN_FDS"
	// ListenPidEnvKey holds the pid the sockets were passed to.
	ListenPidEnvKey = "LISTEN_PID"
	// listenFdsStart is the first inherited descriptor (after stdin, stdout, stderr).
	listenFdsStart = 3
)

// CreateListener binds a TCP listener on address.
func CreateListener(network, address string) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network type: %s, only 'tcp', 'tcp4', or 'tcp6' are supported", network)
	}
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	return l, nil
}

// ParseInheritedListenerFDs returns the descriptors passed through socket activation,
// or nil when the environment does not carry any for this process.
func ParseInheritedListenerFDs(lookup func(string) (string, bool)) ([]uintptr, error) {
	countStr, ok := lookup(ListenFdsEnvKey)
	if !ok || countStr == "" {
		return nil, nil
	}
	if pidStr, ok := lookup(ListenPidEnvKey); ok && pidStr != "" {
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value %q: %w", ListenPidEnvKey, pidStr, err)
		}
		if pid != os.Getpid() {
			return nil, nil
		}
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", ListenFdsEnvKey, countStr, err)
	}
	if count < 0 {
		return nil, fmt.Errorf("invalid negative %s value: %d", ListenFdsEnvKey, count)
	}

	fds := make([]uintptr, 0, count)
	for i := 0; i < count; i++ {
		fds = append(fds, uintptr(listenFdsStart+i))
	}
	return fds, nil
}

// NewListenerFromFD wraps an inherited listening socket.
func NewListenerFromFD(fd uintptr) (net.Listener, error) {
	file := os.NewFile(fd, fmt.Sprintf("listener-from-fd-%d", fd))
	if file == nil {
		return nil, fmt.Errorf("invalid file descriptor %d", fd)
	}
	// net.FileListener dups the descriptor, so the original is closed either way.
	defer file.Close()

	l, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("net.FileListener failed for FD %d: %w", fd, err)
	}
	return l, nil
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
