package logger

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/hlsserve/internal/config"
)

// LogFields carries structured key/value pairs for a log entry.
type LogFields map[string]interface{}

// AccessEntry describes a completed request for the access log.
type AccessEntry struct {
	RequestID     string
	Status        int
	ResponseBytes int64
	Duration      time.Duration
}

// parsedProxiesContainer holds pre-parsed trusted proxy IP addresses and CIDR blocks.
type parsedProxiesContainer struct {
	cidrs []*net.IPNet
	ips   []net.IP
}

// AccessLogger writes one entry per completed request.
type AccessLogger struct {
	zl            zerolog.Logger
	config        config.AccessLogConfig
	output        *reopenableWriter
	parsedProxies parsedProxiesContainer
}

// ErrorLogger writes leveled diagnostic entries.
type ErrorLogger struct {
	zl     zerolog.Logger
	output *reopenableWriter
}

// Logger is a general logger that contains specific loggers for access and errors.
type Logger struct {
	accessLog      *AccessLogger
	errorLog       *ErrorLogger
	globalLogLevel config.LogLevel
}

// NewLogger creates and configures a new Logger instance from a defaulted config.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	errTarget := config.TargetStderr
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != nil {
		errTarget = *cfg.ErrorLog.Target
	}
	errOut, err := openTarget(errTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log target: %w", err)
	}

	l := &Logger{
		globalLogLevel: cfg.LogLevel,
		errorLog:       newErrorLogger(errOut, cfg.LogLevel),
	}

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		accessTarget := config.TargetStdout
		if cfg.AccessLog.Target != nil {
			accessTarget = *cfg.AccessLog.Target
		}
		accessOut, err := openTarget(accessTarget)
		if err != nil {
			errOut.Close()
			return nil, fmt.Errorf("failed to open access log target: %w", err)
		}
		al, err := newAccessLogger(accessOut, *cfg.AccessLog)
		if err != nil {
			errOut.Close()
			accessOut.Close()
			return nil, err
		}
		l.accessLog = al
	}

	return l, nil
}

// NewTestLogger returns a Logger that writes both error (at DEBUG) and JSON access
// entries to w.
func NewTestLogger(w io.Writer) *Logger {
	out := &reopenableWriter{w: w}
	al, _ := newAccessLogger(out, config.AccessLogConfig{Format: config.AccessLogFormatJSON})
	return &Logger{
		globalLogLevel: config.LogLevelDebug,
		errorLog:       newErrorLogger(out, config.LogLevelDebug),
		accessLog:      al,
	}
}

// NewDiscardLogger returns a Logger that drops everything.
func NewDiscardLogger() *Logger {
	return NewTestLogger(io.Discard)
}

func newErrorLogger(out *reopenableWriter, level config.LogLevel) *ErrorLogger {
	return &ErrorLogger{
		zl:     zerolog.New(out).Level(zerologLevel(level)).With().Timestamp().Logger(),
		output: out,
	}
}

func newAccessLogger(out *reopenableWriter, cfg config.AccessLogConfig) (*AccessLogger, error) {
	proxies, err := preParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("failed to parse trusted proxies for access log: %w", err)
	}

	var w io.Writer = out
	if cfg.Format == config.AccessLogFormatConsole {
		w = zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: time.RFC3339}
	}
	return &AccessLogger{
		zl:            zerolog.New(w).With().Timestamp().Logger(),
		config:        cfg,
		output:        out,
		parsedProxies: proxies,
	}, nil
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// preParseTrustedProxies converts string representations of IPs and CIDRs
// into net.IP and *net.IPNet objects for efficient checking.
func preParseTrustedProxies(proxyStrings []string) (parsedProxiesContainer, error) {
	var container parsedProxiesContainer
	for _, p := range proxyStrings {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.Contains(p, "/") {
			_, ipNet, err := net.ParseCIDR(p)
			if err != nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid CIDR string in trusted_proxies '%s': %w", p, err)
			}
			container.cidrs = append(container.cidrs, ipNet)
			continue
		}
		ip := net.ParseIP(p)
		if ip == nil {
			return parsedProxiesContainer{}, fmt.Errorf("invalid IP string in trusted_proxies '%s'", p)
		}
		container.ips = append(container.ips, ip)
	}
	return container, nil
}

func isIPTrusted(ip net.IP, trusted parsedProxiesContainer) bool {
	if ip == nil {
		return false
	}
	for _, cidr := range trusted.cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	for _, t := range trusted.ips {
		if t.Equal(ip) {
			return true
		}
	}
	return false
}

// getRealClientIP returns the client address for the access log. When realIPHeaderName
// is set, the header is walked right to left and the first untrusted address wins.
// A malformed entry falls back to the direct peer.
func getRealClientIP(remoteAddr string, headers http.Header, realIPHeaderName string, trusted parsedProxiesContainer) string {
	peer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		peer = host
	} else if ip := net.ParseIP(remoteAddr); ip != nil {
		peer = ip.String()
	}

	if realIPHeaderName == "" {
		return peer
	}
	headerValue := headers.Get(realIPHeaderName)
	if headerValue == "" {
		return peer
	}

	hops := strings.Split(headerValue, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		ip := net.ParseIP(hop)
		if ip == nil {
			return peer
		}
		if !isIPTrusted(ip, trusted) {
			return hop
		}
	}
	return peer
}

// LogAccess writes an access log entry for req.
func (al *AccessLogger) LogAccess(req *http.Request, entry AccessEntry) {
	if al == nil {
		return
	}

	_, port, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		port = "0"
	}
	realIPHeader := ""
	if al.config.RealIPHeader != nil {
		realIPHeader = *al.config.RealIPHeader
	}

	ev := al.zl.Log().
		Str("remote_addr", getRealClientIP(req.RemoteAddr, req.Header, realIPHeader, al.parsedProxies)).
		Str("remote_port", port).
		Str("protocol", req.Proto).
		Str("method", req.Method).
		Str("uri", req.RequestURI).
		Int("status", entry.Status).
		Int64("resp_bytes", entry.ResponseBytes).
		Int64("duration_ms", entry.Duration.Milliseconds())
	if entry.RequestID != "" {
		ev = ev.Str("request_id", entry.RequestID)
	}
	if ua := req.UserAgent(); ua != "" {
		ev = ev.Str("user_agent", ua)
	}
	if ref := req.Referer(); ref != "" {
		ev = ev.Str("referer", ref)
	}
	ev.Send()
}

func (el *ErrorLogger) log(ev *zerolog.Event, msg string, fields []LogFields) {
	if ev == nil {
		return
	}
	for _, f := range fields {
		if len(f) > 0 {
			ev = ev.Fields(map[string]interface{}(f))
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	if l != nil && l.errorLog != nil {
		l.errorLog.log(l.errorLog.zl.Debug(), msg, fields)
	}
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	if l != nil && l.errorLog != nil {
		l.errorLog.log(l.errorLog.zl.Info(), msg, fields)
	}
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	if l != nil && l.errorLog != nil {
		l.errorLog.log(l.errorLog.zl.Warn(), msg, fields)
	}
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	if l != nil && l.errorLog != nil {
		l.errorLog.log(l.errorLog.zl.Error(), msg, fields)
	}
}

// Access records a completed request. It is a no-op when the access log is disabled.
func (l *Logger) Access(req *http.Request, entry AccessEntry) {
	if l != nil {
		l.accessLog.LogAccess(req, entry)
	}
}

// Level returns the configured minimum level of the error log.
func (l *Logger) Level() config.LogLevel { return l.globalLogLevel }

// CloseLogFiles closes any open log files. Standard streams are left open.
func (l *Logger) CloseLogFiles() error {
	var firstErr error
	for _, w := range l.writers() {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReopenLogFiles closes and reopens file-based targets, for use after log rotation (SIGHUP).
func (l *Logger) ReopenLogFiles() error {
	var firstErr error
	for _, w := range l.writers() {
		if err := w.Reopen(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Logger) writers() []*reopenableWriter {
	var ws []*reopenableWriter
	if l.errorLog != nil {
		ws = append(ws, l.errorLog.output)
	}
	if l.accessLog != nil && (l.errorLog == nil || l.accessLog.output != l.errorLog.output) {
		ws = append(ws, l.accessLog.output)
	}
	return ws
}

// reopenableWriter serializes writes to a log target and allows a file target to be
// swapped underneath the zerolog loggers. After a failed reopen it writes to stderr
// and retries the file on the next Reopen.
type reopenableWriter struct {
	mu     sync.Mutex
	w      io.Writer
	file   *os.File
	path   string
	closed bool
}

func openTarget(target string) (*reopenableWriter, error) {
	switch target {
	case config.TargetStdout:
		return &reopenableWriter{w: os.Stdout}, nil
	case config.TargetStderr:
		return &reopenableWriter{w: os.Stderr}, nil
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", target, err)
	}
	return &reopenableWriter{w: f, file: f, path: target}, nil
}

func (rw *reopenableWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.w.Write(p)
}

func (rw *reopenableWriter) Reopen() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.path == "" || rw.closed {
		return nil
	}
	if rw.file != nil {
		if err := rw.file.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "error closing log file %s during reopen: %v\n", rw.path, err)
		}
	}
	f, err := os.OpenFile(rw.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		rw.w = os.Stderr
		rw.file = nil
		return fmt.Errorf("failed to reopen log file %s: %w", rw.path, err)
	}
	rw.w = f
	rw.file = f
	return nil
}

func (rw *reopenableWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.closed = true
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	rw.w = io.Discard
	return err
}
