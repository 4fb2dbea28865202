package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// Stat describes a remote path.
func (c *Client) Stat(ctx context.Context, remotePath string) (os.FileInfo, error) {
	var info os.FileInfo
	err := c.withSFTP(ctx, "stat", func(client *sftp.Client) error {
		var err error
		info, err = client.Stat(remotePath)
		return err
	})
	return info, err
}

// ReadFile reads a remote file.
func (c *Client) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	var data []byte
	err := c.withSFTP(ctx, "read", func(client *sftp.Client) error {
		f, err := client.Open(remotePath)
		if err != nil {
			return err
		}
		defer f.Close()

		data, err = io.ReadAll(f)
		return err
	})
	return data, err
}

// WriteFile writes data to a temporary file next to remotePath and renames
// it into place, so readers never observe a partial file.
func (c *Client) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	startTime := time.Now()

	err := c.withSFTP(ctx, "write", func(client *sftp.Client) error {
		if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
			return fmt.Errorf("failed to create remote directory: %w", err)
		}

		tmp := path.Join(path.Dir(remotePath), "."+path.Base(remotePath)+".tmp-"+strconv.FormatInt(time.Now().UnixNano(), 36))
		f, err := client.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return fmt.Errorf("failed to create remote file: %w", err)
		}

		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			_ = client.Remove(tmp)
			return fmt.Errorf("failed to write remote file: %w", err)
		}
		if err := f.Close(); err != nil {
			_ = client.Remove(tmp)
			return fmt.Errorf("failed to close remote file: %w", err)
		}
		if err := client.Chmod(tmp, mode.Perm()); err != nil {
			_ = client.Remove(tmp)
			return fmt.Errorf("failed to set permissions: %w", err)
		}
		if err := client.PosixRename(tmp, remotePath); err != nil {
			_ = client.Remove(tmp)
			return fmt.Errorf("failed to rename remote file: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("host", c.config.Host).
		Str("remote", remotePath).
		Int("bytes", len(data)).
		Dur("duration", time.Since(startTime)).
		Msg("file written")
	return nil
}

// Remove deletes a remote file.
func (c *Client) Remove(ctx context.Context, remotePath string) error {
	return c.withSFTP(ctx, "remove", func(client *sftp.Client) error {
		return client.Remove(remotePath)
	})
}

// withSFTP runs fn against the shared SFTP client. Path errors such as
// missing files are returned unwrapped so callers can test them with
// errors.Is.
func (c *Client) withSFTP(ctx context.Context, op string, fn func(*sftp.Client) error) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: op, Err: err}
	}

	client, err := c.getSFTP()
	if err != nil {
		return err
	}

	err = fn(client)
	c.touch()
	if err == nil {
		return nil
	}

	var status *sftp.StatusError
	var pathErr *os.PathError
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission), errors.As(err, &status), errors.As(err, &pathErr):
		return err
	default:
		return &TransportError{
			Op:          op,
			Err:         err,
			IsTemporary: true,
		}
	}
}
