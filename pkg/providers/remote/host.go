package remote

import (
	"context"
	"errors"
	"os"

	"github.com/openfroyo/configset/pkg/engine"
	"github.com/openfroyo/configset/pkg/providers/system"
	"github.com/openfroyo/configset/pkg/transports/ssh"
	"github.com/rs/zerolog"
)

// remoteHost implements system.Host over a shared SSH client. Operations
// that fail with a temporary transport error are retried once on a fresh
// connection.
type remoteHost struct {
	client  *ssh.Client
	address string
	logger  zerolog.Logger
}

var _ system.Host = (*remoteHost)(nil)

func (h *remoteHost) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 || !h.client.IsConnected() {
			if cerr := h.client.Connect(ctx); cerr != nil {
				err = classify(op, h.address, cerr)
				if !engine.IsRetryable(err) {
					return err
				}
				continue
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		err = classify(op, h.address, err)
		if !engine.IsRetryable(err) {
			return err
		}
		h.logger.Warn().
			Err(err).
			Str("host", h.address).
			Str("operation", op).
			Int("attempt", attempt+1).
			Msg("Remote operation failed, retrying")
	}
	return err
}

// classify maps transport errors to engine error classes. Errors about the
// remote path itself are returned unchanged.
func classify(op, address string, err error) error {
	var te *ssh.TransportError
	if !errors.As(err, &te) {
		return err
	}

	var e *engine.EngineError
	if te.Temporary() {
		e = engine.NewTransientError("remote host unavailable", err)
	} else {
		e = engine.NewPermanentError("remote operation failed", err)
	}
	return e.WithCode(engine.ErrCodeTransport).WithResource(address).WithOperation(op)
}

func (h *remoteHost) Run(ctx context.Context, cmd system.Command) (system.ExecResult, error) {
	var result system.ExecResult
	err := h.do(ctx, "run", func() error {
		r, err := h.client.Run(ctx, cmd.String())
		if err != nil {
			return err
		}
		result = system.ExecResult{Stdout: r.Stdout, Stderr: r.Stderr, ExitCode: r.ExitCode}
		return nil
	})
	return result, err
}

func (h *remoteHost) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	var info os.FileInfo
	err := h.do(ctx, "stat", func() error {
		var err error
		info, err = h.client.Stat(ctx, path)
		return err
	})
	return info, err
}

func (h *remoteHost) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := h.do(ctx, "read", func() error {
		var err error
		data, err = h.client.ReadFile(ctx, path)
		return err
	})
	return data, err
}

func (h *remoteHost) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	return h.do(ctx, "write", func() error {
		return h.client.WriteFile(ctx, path, data, mode)
	})
}

func (h *remoteHost) Remove(ctx context.Context, path string) error {
	return h.do(ctx, "remove", func() error {
		return h.client.Remove(ctx, path)
	})
}
