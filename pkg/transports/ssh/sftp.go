package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

func (c *Client) sftpClient(ctx context.Context) (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connectLocked(ctx)
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, &TransportError{Op: "sftp", Err: err, IsTemporary: true}
	}
	return client, nil
}

// Upload writes data to remotePath, creating parent directories. The file is
// written to a temporary name and renamed into place.
func (c *Client) Upload(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error {
	client, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create %s: %w", path.Dir(remotePath), err)}
	}

	tmp := remotePath + ".tmp"
	f, err := client.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "upload", Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	if err := f.Close(); err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	if err := client.Chmod(tmp, mode); err != nil {
		return &TransportError{Op: "upload", Err: err}
	}
	if err := client.PosixRename(tmp, remotePath); err != nil {
		return &TransportError{Op: "upload", Err: err}
	}

	log.Debug().
		Str("address", c.config.Address()).
		Str("path", remotePath).
		Int("bytes", len(data)).
		Msg("uploaded file")
	return nil
}

// Download reads remotePath.
func (c *Client) Download(ctx context.Context, remotePath string) ([]byte, error) {
	client, err := c.sftpClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	f, err := client.Open(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "download", Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &TransportError{Op: "download", Err: err, IsTemporary: true}
	}
	return data, nil
}

// Remove deletes remotePath. A missing file is not an error.
func (c *Client) Remove(ctx context.Context, remotePath string) error {
	client, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}
