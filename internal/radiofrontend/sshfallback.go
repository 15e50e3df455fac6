package radiofrontend

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig describes an out-of-band SSH fallback for writing sysfs
// attributes directly, used when a vendor driver's IIOD-equivalent
// write path rejects an attribute (firmware that only exposes it via
// sysfs).
type SSHConfig struct {
	Host      string
	User      string
	Password  string
	KeyPath   string
	Port      int
	SysfsRoot string
}

// SSHAttributeWriter mirrors an IIO attribute write as a sysfs write
// over SSH.
type SSHAttributeWriter struct {
	mu     sync.Mutex
	cfg    SSHConfig
	client *ssh.Client
}

// NewSSHAttributeWriter validates cfg and returns a writer that dials
// lazily on first use.
func NewSSHAttributeWriter(cfg SSHConfig) (*SSHAttributeWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("radiofrontend: ssh host is required for sysfs fallback")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = "/sys/bus/iio/devices"
	}
	return &SSHAttributeWriter{cfg: cfg}, nil
}

// WriteAttribute writes value to the sysfs path derived from the
// (device, channel, attr) triple.
func (w *SSHAttributeWriter) WriteAttribute(ctx context.Context, device, channel, attr, value string) error {
	client, err := w.dial(ctx)
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("radiofrontend: create ssh session: %w", err)
	}
	defer session.Close()

	target := w.attributePath(device, channel, attr)
	cmd := fmt.Sprintf("printf %s > %s", shellQuote(value), target)
	if err := session.Run(cmd); err != nil {
		return fmt.Errorf("radiofrontend: write sysfs attribute via ssh: %w", err)
	}
	return nil
}

func (w *SSHAttributeWriter) dial(ctx context.Context) (*ssh.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client != nil {
		return w.client, nil
	}

	var auth []ssh.AuthMethod
	if w.cfg.Password != "" {
		auth = append(auth, ssh.Password(w.cfg.Password))
	}
	if w.cfg.KeyPath != "" {
		key, err := os.ReadFile(w.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("radiofrontend: read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("radiofrontend: parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("radiofrontend: no ssh password or key configured")
	}

	config := &ssh.ClientConfig{
		User:            w.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", w.cfg.Host, w.cfg.Port)
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("radiofrontend: dial ssh: %w", err)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		return nil, fmt.Errorf("radiofrontend: create ssh client: %w", err)
	}
	w.client = ssh.NewClient(clientConn, chans, reqs)
	return w.client, nil
}

func (w *SSHAttributeWriter) attributePath(device, channel, attr string) string {
	base := filepath.Join(w.cfg.SysfsRoot, device)
	if channel == "" {
		return filepath.Join(base, attr)
	}
	prefix := "in"
	if strings.HasPrefix(strings.ToLower(channel), "altvoltage") || strings.HasPrefix(strings.ToLower(channel), "out_") {
		prefix = "out"
	}
	return filepath.Join(base, fmt.Sprintf("%s_%s_%s", prefix, channel, attr))
}

func shellQuote(value string) string {
	escaped := strings.ReplaceAll(value, "'", "'\\''")
	return fmt.Sprintf("'%s'", escaped)
}
