package tgclient

import (
	"context"
	"fmt"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/mdp/qrterminal/v3"

	"github.com/kelvinzhao/tgrelay/pkg/logger"
)

// ensureAuthorized checks the current session and, if none exists, bootstraps
// login via QR code (spec's supplemented feature 2): no out-of-band phone
// code exchange is required from the host.
func (f *Facade) ensureAuthorized(ctx context.Context) error {
	status, err := f.client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("auth status: %w", err)
	}
	if status.Authorized {
		return nil
	}

	logger.InfoC("tgclient", "no active session, starting QR login")

	flow := qrlogin.OnLoginToken(f.client.API(), func(ctx context.Context, token qrlogin.Token) error {
		qrterminal.GenerateHalfBlock(token.URL(), qrterminal.L, stdoutWriter{})
		logger.InfoC("tgclient", "scan the QR code above with your messaging app to authorize this session")
		return nil
	})

	if _, err := f.client.QR().Auth(ctx, flow, telegram.OnNoAuth(func(ctx context.Context) error {
		return nil
	})); err != nil {
		return fmt.Errorf("qr login: %w", err)
	}

	logger.InfoC("tgclient", "session authorized")
	return nil
}

// stdoutWriter adapts logger's component scoping away from qrterminal's
// direct io.Writer requirement: the QR block itself is terminal art, not a
// structured log line, so it is written straight to stdout.
type stdoutWriter struct{}

func (stdoutWriter) Write(p []byte) (int, error) {
	return osStdoutWrite(p)
}
