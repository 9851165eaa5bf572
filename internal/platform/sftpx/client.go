// Package sftpx wraps the payer SFTP drop box behind a small interface so the
// ingestion pipeline can be exercised against an in-memory fake. The real
// implementation uses github.com/pkg/sftp over an SSH connection.
package sftpx

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Client is the subset of SFTP operations the ingestion pipeline needs.
type Client interface {
	ListDir(ctx context.Context, dir string) ([]string, error)
	Fetch(ctx context.Context, path string) ([]byte, error)
	Close() error
}

// Config describes the remote SFTP endpoint.
type Config struct {
	Host           string
	Port           int
	Username       string
	Password       string
	ConnectTimeout time.Duration
	// HostKeyCallback verifies the server key. Required; use
	// ssh.FixedHostKey in production.
	HostKeyCallback ssh.HostKeyCallback
}

type client struct {
	conn *ssh.Client
	sftp *sftp.Client
}

// Dial connects to the remote server and returns a ready Client.
func Dial(cfg Config) (Client, error) {
	if cfg.HostKeyCallback == nil {
		return nil, fmt.Errorf("sftpx: host key callback is required")
	}
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	sshCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         timeout,
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("dial ssh %s: %w", addr, err)
	}
	sc, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open sftp session: %w", err)
	}
	return &client{conn: conn, sftp: sc}, nil
}

func (c *client) ListDir(_ context.Context, dir string) ([]string, error) {
	infos, err := c.sftp.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("sftp readdir %s: %w", dir, err)
	}
	var names []string
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		}
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (c *client) Fetch(_ context.Context, path string) ([]byte, error) {
	f, err := c.sftp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sftp open %s: %w", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("sftp read %s: %w", path, err)
	}
	return data, nil
}

func (c *client) Close() error {
	serr := c.sftp.Close()
	cerr := c.conn.Close()
	if serr != nil {
		return serr
	}
	return cerr
}

// ---------------------------------------------------------------------------
// In-memory fake
// ---------------------------------------------------------------------------

// FakeClient is a thread-safe, in-memory Client for tests. Errors can be
// injected per path to simulate transient failures.
type FakeClient struct {
	mu    sync.Mutex
	files map[string][]byte
	// failures maps a path to the number of Fetch calls that should fail
	// before succeeding.
	failures map[string]int
	// FetchCalls counts Fetch invocations per path.
	FetchCalls map[string]int
}

// NewFakeClient returns an empty FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		files:      make(map[string][]byte),
		failures:   make(map[string]int),
		FetchCalls: make(map[string]int),
	}
}

// Put stores a remote file.
func (f *FakeClient) Put(path string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
}

// FailFetches makes the next n Fetch calls for path return an I/O error.
func (f *FakeClient) FailFetches(path string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[path] = n
}

func (f *FakeClient) ListDir(_ context.Context, dir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for p := range f.files {
		if d, name := splitPath(p); d == dir {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *FakeClient) Fetch(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchCalls[path]++
	if f.failures[path] > 0 {
		f.failures[path]--
		return nil, fmt.Errorf("sftp read %s: %w", path, io.ErrUnexpectedEOF)
	}
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("sftp open %s: file does not exist", path)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (f *FakeClient) Close() error { return nil }

func splitPath(p string) (dir, name string) {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i], p[i+1:]
		}
	}
	return "", p
}
