package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// TransportError wraps a transport failure with the operation that caused
// it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Client is an SSH connection with command execution and SFTP file transfer.
type Client struct {
	config *Config
	client *ssh.Client
	sftp   *sftp.Client
}

// NewClient creates a client for the given configuration.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Client{config: config}, nil
}

// Connect establishes the SSH connection and opens an SFTP session.
func (c *Client) Connect(ctx context.Context) error {
	clientConfig, err := c.config.buildClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		return &TransportError{Op: "connect", Err: ctx.Err()}
	case err := <-errChan:
		return &TransportError{Op: "connect", Err: err}
	case client := <-connChan:
		c.client = client
	}

	sftpClient, err := sftp.NewClient(c.client)
	if err != nil {
		_ = c.client.Close()
		c.client = nil
		return &TransportError{Op: "sftp", Err: err}
	}
	c.sftp = sftpClient
	return nil
}

// Close tears down the SFTP session and the SSH connection.
func (c *Client) Close() error {
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// Run executes a command on the remote host and returns its trimmed output.
func (c *Client) Run(ctx context.Context, cmd string) (stdout, stderr string, err error) {
	if c.client == nil {
		return "", "", &TransportError{Op: "execute", Err: fmt.Errorf("not connected")}
	}
	session, err := c.client.NewSession()
	if err != nil {
		return "", "", &TransportError{Op: "execute", Err: err}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	log.Debug().Str("command", cmd).Msg("executing remote command")

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		err = ctx.Err()
	case err = <-doneChan:
	}

	stdout = strings.TrimSpace(stdoutBuf.String())
	stderr = strings.TrimSpace(stderrBuf.String())
	if err != nil {
		return stdout, stderr, &TransportError{Op: "execute", Err: err}
	}
	return stdout, stderr, nil
}

// UploadFile copies a local file to the remote host.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "upload", Err: err}
	}
	if c.sftp == nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("not connected")}
	}

	local, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: err}
	}
	defer local.Close()

	if err := c.sftp.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: err}
	}
	remote, err := c.sftp.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: err}
	}
	if _, err := io.Copy(remote, local); err != nil {
		_ = remote.Close()
		return &TransportError{Op: "upload", Err: err}
	}
	if err := remote.Close(); err != nil {
		return &TransportError{Op: "upload", Err: err}
	}
	if err := c.sftp.Chmod(remotePath, mode); err != nil {
		return &TransportError{Op: "upload", Err: err}
	}
	return nil
}

// UploadDirectory recursively copies a local directory tree to the remote
// host, preserving file modes.
func (c *Client) UploadDirectory(ctx context.Context, localDir, remoteDir string) error {
	if c.sftp == nil {
		return &TransportError{Op: "upload-dir", Err: fmt.Errorf("not connected")}
	}
	return filepath.Walk(localDir, func(localPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, localPath)
		if err != nil {
			return err
		}
		remotePath := path.Join(remoteDir, filepath.ToSlash(rel))
		if info.IsDir() {
			return c.sftp.MkdirAll(remotePath)
		}
		return c.UploadFile(ctx, localPath, remotePath, info.Mode().Perm())
	})
}

// DownloadFile copies a remote file to the local filesystem.
func (c *Client) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "download", Err: err}
	}
	if c.sftp == nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("not connected")}
	}

	remote, err := c.sftp.Open(remotePath)
	if err != nil {
		return &TransportError{Op: "download", Err: err}
	}
	defer remote.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return &TransportError{Op: "download", Err: err}
	}
	local, err := os.Create(localPath)
	if err != nil {
		return &TransportError{Op: "download", Err: err}
	}
	if _, err := io.Copy(local, remote); err != nil {
		_ = local.Close()
		return &TransportError{Op: "download", Err: err}
	}
	return local.Close()
}

// DownloadDirectory recursively copies a remote directory tree to the local
// filesystem.
func (c *Client) DownloadDirectory(ctx context.Context, remoteDir, localDir string) error {
	if c.sftp == nil {
		return &TransportError{Op: "download-dir", Err: fmt.Errorf("not connected")}
	}
	walker := c.sftp.Walk(remoteDir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return &TransportError{Op: "download-dir", Err: err}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		remotePath := walker.Path()
		rel, err := filepath.Rel(remoteDir, remotePath)
		if err != nil {
			return err
		}
		localPath := filepath.Join(localDir, rel)
		if walker.Stat().IsDir() {
			if err := os.MkdirAll(localPath, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := c.DownloadFile(ctx, remotePath, localPath); err != nil {
			return err
		}
	}
	return nil
}
