package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.mau.fi/whatsmeow"

	logx "wadispatch/pkg/logx"
)

// ErrAlreadyPaired is returned by Pair for a store that already holds a device.
var ErrAlreadyPaired = errors.New("session is already paired")

// Pair links a new device into the credential file at path. onCode is called
// with every QR code whatsmeow rotates through; the caller renders it.
// Returns the linked JID.
func Pair(ctx context.Context, dir, path string, log logx.Logger, onCode func(code string)) (string, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	min := logx.LevelWarn
	container, err := openContainer(ctx, path, log, min)
	if err != nil {
		return "", err
	}
	defer container.Close()

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return "", fmt.Errorf("load device: %w", err)
	}
	if device.ID != nil {
		return device.ID.String(), ErrAlreadyPaired
	}

	cli := whatsmeow.NewClient(device, NewLogger(log, "pair", min))
	qr, err := cli.GetQRChannel(ctx)
	if err != nil {
		return "", fmt.Errorf("qr channel: %w", err)
	}
	if err := cli.Connect(); err != nil {
		return "", fmt.Errorf("connect: %w", err)
	}
	defer cli.Disconnect()

	for item := range qr {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			onCode(item.Code)
		case whatsmeow.QRChannelSuccess.Event:
			if device.ID == nil {
				return "", errors.New("pairing reported success without a device id")
			}
			return device.ID.String(), nil
		case whatsmeow.QRChannelTimeout.Event:
			return "", errors.New("pairing timed out")
		case whatsmeow.QRChannelEventError:
			return "", fmt.Errorf("pairing failed: %w", item.Error)
		default:
			return "", fmt.Errorf("pairing failed: %s", item.Event)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "", errors.New("pairing channel closed")
}
