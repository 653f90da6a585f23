package sshlogs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bodyast/logManager/internal/apperr"
	"github.com/bodyast/logManager/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Conn is the part of an SSH connection the log commands need.
type Conn interface {
	NewSession() (*ssh.Session, error)
	Close() error
}

// Well-known log files checked by DiscoverLogFiles.
var CandidateLogFiles = []string{
	"/var/log/syslog",
	"/var/log/messages",
	"/var/log/auth.log",
	"/var/log/secure",
	"/var/log/kern.log",
	"/var/log/dpkg.log",
	"/var/log/cloud-init.log",
	"/var/log/nginx/access.log",
	"/var/log/nginx/error.log",
	"/var/log/apache2/access.log",
	"/var/log/apache2/error.log",
	"/var/log/httpd/access_log",
	"/var/log/httpd/error_log",
}

// ValidatePath rejects paths that are not absolute or that contain NUL or
// line breaks.
func ValidatePath(path string) error {
	if path == "" {
		return apperr.Validation("path is empty")
	}
	if !strings.HasPrefix(path, "/") {
		return apperr.Newf(apperr.KindValidation, "path %q must be absolute", logging.Sanitize(path))
	}
	if strings.ContainsAny(path, "\x00\n\r") {
		return apperr.Validation("path contains control characters")
	}
	return nil
}

// ReadTail returns the last lines of path. Output on stderr fails the read
// with that text. conn is closed before ReadTail returns.
func ReadTail(ctx context.Context, conn Conn, path string, lines int) (string, error) {
	defer conn.Close()

	if err := ValidatePath(path); err != nil {
		return "", err
	}
	if lines <= 0 {
		return "", apperr.Newf(apperr.KindValidation, "lines must be positive, got %d", lines)
	}

	cmd := fmt.Sprintf("tail -n %d -- %s", lines, shellQuote(path))
	stdout, stderr, err := run(ctx, conn, cmd)
	if msg := strings.TrimSpace(stderr); msg != "" {
		return "", apperr.New(apperr.KindRemoteCommand, msg)
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return "", err
		}
	}
	return stdout, nil
}

// CheckExists reports whether path is a regular file on the host. conn is
// closed before CheckExists returns.
func CheckExists(ctx context.Context, conn Conn, path string) (bool, error) {
	defer conn.Close()

	if err := ValidatePath(path); err != nil {
		return false, err
	}

	cmd := fmt.Sprintf("test -f %s && echo exists || echo not_exists", shellQuote(path))
	stdout, _, err := run(ctx, conn, cmd)
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return false, err
		}
	}

	switch out := strings.TrimSpace(stdout); out {
	case "exists":
		return true, nil
	case "not_exists":
		return false, nil
	default:
		zap.L().Warn("unexpected file check output",
			zap.String("path", logging.Sanitize(path)), zap.String("output", logging.Sanitize(out)))
		return false, nil
	}
}

// DiscoverLogFiles returns the entries of CandidateLogFiles that exist on the
// host. conn is closed before it returns.
func DiscoverLogFiles(ctx context.Context, conn Conn) ([]string, error) {
	defer conn.Close()

	var checks []string
	for _, path := range CandidateLogFiles {
		checks = append(checks, fmt.Sprintf("[ -f %s ] && echo %s", shellQuote(path), shellQuote(path)))
	}
	// The compound command exits non-zero when the last file is missing.
	stdout, _, err := run(ctx, conn, strings.Join(checks, "; ")+"; true")
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
	}

	found := []string{}
	for _, line := range strings.Split(stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			found = append(found, line)
		}
	}
	return found, nil
}

// run executes cmd on a new session and collects its output. Cancelling ctx
// closes the connection.
func run(ctx context.Context, conn Conn, cmd string) (string, string, error) {
	session, err := conn.NewSession()
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindConnection, "open ssh session", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	errCh := make(chan error, 1)
	go func() { errCh <- session.Run(cmd) }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		conn.Close()
		<-errCh
		return "", "", apperr.Wrap(apperr.KindConnection, "remote command cancelled", ctx.Err())
	}

	var exitErr *ssh.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		err = apperr.Wrap(apperr.KindConnection, "run remote command", err)
	}
	return stdout.String(), stderr.String(), err
}

// shellQuote wraps a string in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
