//go:build linux

package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	blelib "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// BLEFacade implements Facade on top of go-ble/ble, using the
// srgg/go-ble fork's per-HCI-device selection (replace directive in
// go.mod) to keep the scan-side and connect-side adapters distinct, the
// way spec §6's SCAN_ADAPTER/CONNECT_ADAPTER split requires.
type BLEFacade struct {
	logger *logrus.Logger

	scanAdapterID    string
	connectAdapterID string

	mu         sync.Mutex
	scanDevice blelib.Device
	scanning   bool
}

// NewBLEFacade builds a Facade bound to two host HCI device names (e.g.
// "hci0", "hci1"). Devices are created lazily on first use so that a
// host missing one adapter doesn't fail at construction time.
func NewBLEFacade(scanAdapterID, connectAdapterID string, logger *logrus.Logger) *BLEFacade {
	if logger == nil {
		logger = logrus.New()
	}
	return &BLEFacade{
		logger:           logger,
		scanAdapterID:    scanAdapterID,
		connectAdapterID: connectAdapterID,
	}
}

func (f *BLEFacade) ScanStart(ctx context.Context, allowDup bool, onAdvertisement func(Advertisement)) error {
	f.mu.Lock()
	if f.scanning {
		f.mu.Unlock()
		return fmt.Errorf("adapter: scan already in progress on %s", f.scanAdapterID)
	}
	dev, err := linux.NewDeviceWithName(f.scanAdapterID)
	if err != nil {
		f.mu.Unlock()
		return fmt.Errorf("adapter: open scan device %s: %w", f.scanAdapterID, err)
	}
	f.scanDevice = dev
	f.scanning = true
	f.mu.Unlock()

	blelib.SetDefaultDevice(dev)
	err = blelib.Scan(ctx, allowDup, func(a blelib.Advertisement) {
		onAdvertisement(toAdvertisement(a))
	}, nil)

	f.mu.Lock()
	f.scanning = false
	f.mu.Unlock()
	return err
}

func (f *BLEFacade) ScanStop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanDevice == nil {
		return nil
	}
	err := f.scanDevice.Stop()
	f.scanDevice = nil
	f.scanning = false
	return err
}

func (f *BLEFacade) Connect(ctx context.Context, mac string, timeout time.Duration) (Connection, error) {
	dev, err := linux.NewDeviceWithName(f.connectAdapterID)
	if err != nil {
		return nil, fmt.Errorf("adapter: open connect device %s: %w", f.connectAdapterID, err)
	}
	blelib.SetDefaultDevice(dev)

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := blelib.Dial(connCtx, blelib.NewAddr(mac))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("adapter: discover profile on %s: %w", mac, err)
	}

	return newBLEConnection(client, profile, f.logger), nil
}

// Reset issues the Watchdog's recovery-ladder steps against the
// connect-side HCI device. HCIDEVDOWN/HCIDEVUP require CAP_NET_ADMIN;
// EPERM is translated to ErrPrivilegeDenied so the Watchdog can degrade
// to a logged warning instead of aborting (spec §9).
func (f *BLEFacade) Reset(ctx context.Context, level ResetLevel) error {
	switch level {
	case ResetLightweight, ResetFull:
		return f.hciToggle(level)
	case ResetStackRestart:
		return f.restartHost(ctx)
	default:
		return fmt.Errorf("adapter: unknown reset level %v", level)
	}
}

func (f *BLEFacade) hciToggle(level ResetLevel) error {
	idx, err := hciDeviceIndex(f.connectAdapterID)
	if err != nil {
		return err
	}

	sock, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, 1 /* BTPROTO_HCI */)
	if err != nil {
		return fmt.Errorf("adapter: open hci control socket: %w", err)
	}
	defer unix.Close(sock)

	const (
		hciDevDown = 0x400448ca
		hciDevUp   = 0x400448c9
	)

	if err := ioctlInt(sock, hciDevDown, idx); err != nil {
		if isPermissionError(err) {
			return ErrPrivilegeDenied
		}
		return fmt.Errorf("adapter: HCIDEVDOWN %s: %w", f.connectAdapterID, err)
	}

	if level == ResetFull {
		time.Sleep(100 * time.Millisecond)
	}

	if err := ioctlInt(sock, hciDevUp, idx); err != nil {
		if isPermissionError(err) {
			return ErrPrivilegeDenied
		}
		return fmt.Errorf("adapter: HCIDEVUP %s: %w", f.connectAdapterID, err)
	}
	return nil
}

func toAdvertisement(a blelib.Advertisement) Advertisement {
	return Advertisement{
		MAC:              a.Addr().String(),
		LocalName:        a.LocalName(),
		RSSI:             a.RSSI(),
		ManufacturerData: decodeManufacturerData(a.ManufacturerData()),
	}
}
