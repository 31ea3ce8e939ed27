package remote

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
)

// SSH executes on a fleet machine over an SSH connection. File transfer goes
// through cat on the remote side, so no subsystem beyond a shell is required.
type SSH struct {
	client *ssh.Client
	addr   string
}

// DialSSH connects to addr ("host:22") as user using a PEM private key.
// Host keys are not verified; tuning fleets live on closed networks and
// machines are reimaged often enough that pinning would be churn.
func DialSSH(addr, user string, keyPEM []byte) (*SSH, error) {
	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("remote: parse key: %w", err)
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", addr, err)
	}
	return &SSH{client: client, addr: addr}, nil
}

// Close tears down the connection.
func (s *SSH) Close() error { return s.client.Close() }

// Addr returns the remote address this executor is bound to.
func (s *SSH) Addr() string { return s.addr }

func (s *SSH) Exec(ctx context.Context, cmd string) ([]byte, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("remote: session: %w", err)
	}
	defer sess.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.Signal(ssh.SIGKILL)
		case <-done:
		}
	}()
	out, err := sess.CombinedOutput(cmd)
	close(done)
	if ctx.Err() != nil {
		return out, fmt.Errorf("remote: exec %q on %s: %w", cmd, s.addr, ctx.Err())
	}
	if err != nil {
		return out, fmt.Errorf("remote: exec %q on %s: %w", cmd, s.addr, err)
	}
	return out, nil
}

func (s *SSH) WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error {
	sess, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("remote: session: %w", err)
	}
	defer sess.Close()

	sess.Stdin = bytes.NewReader(data)
	mode := strconv.FormatUint(uint64(perm.Perm()), 8)
	cmd := fmt.Sprintf("cat > %s && chmod %s %s", shellQuote(path), mode, shellQuote(path))
	if err := sess.Run(cmd); err != nil {
		return fmt.Errorf("remote: write %s on %s: %w", path, s.addr, err)
	}
	return nil
}

func (s *SSH) ReadFile(ctx context.Context, path string) ([]byte, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("remote: session: %w", err)
	}
	defer sess.Close()

	out, err := sess.Output("cat " + shellQuote(path))
	if err != nil {
		return nil, fmt.Errorf("remote: read %s on %s: %w", path, s.addr, err)
	}
	return out, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
