//go:build linux

package adapter

import (
	"context"
	"sync"

	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/ble-orchestrator/internal/model"
)

// bleConnection adapts a go-ble client + discovered profile to the
// Connection contract, the way the teacher's BLEConnection wraps
// ble.Client (internal/device/go-ble/connection.go) but trimmed to the
// read/write/subscribe primitives the orchestrator actually needs.
type bleConnection struct {
	client  blelib.Client
	profile *blelib.Profile
	logger  *logrus.Logger

	mu         sync.Mutex
	subscribed map[string]*blelib.Characteristic // normalized uuid -> characteristic

	disconnected chan struct{}
	closeOnce    sync.Once
}

func newBLEConnection(client blelib.Client, profile *blelib.Profile, logger *logrus.Logger) *bleConnection {
	c := &bleConnection{
		client:       client,
		profile:      profile,
		logger:       logger,
		subscribed:   make(map[string]*blelib.Characteristic),
		disconnected: make(chan struct{}),
	}
	go func() {
		<-client.Disconnected()
		c.closeOnce.Do(func() { close(c.disconnected) })
	}()
	return c
}

func (c *bleConnection) findChar(serviceUUID, charUUID string) (*blelib.Characteristic, error) {
	wantSvc := model.NormalizeUUID(serviceUUID)
	wantChar := model.NormalizeUUID(charUUID)
	for _, svc := range c.profile.Services {
		if model.NormalizeUUID(svc.UUID.String()) != wantSvc {
			continue
		}
		for _, ch := range svc.Characteristics {
			if model.NormalizeUUID(ch.UUID.String()) == wantChar {
				return ch, nil
			}
		}
		return nil, &model.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, charUUID}}
	}
	return nil, &model.NotFoundError{Resource: "service", UUIDs: []string{serviceUUID}}
}

func (c *bleConnection) Read(ctx context.Context, serviceUUID, charUUID string) ([]byte, error) {
	ch, err := c.findChar(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := c.client.ReadCharacteristic(ch)
		done <- result{data, err}
	}()
	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *bleConnection) Write(ctx context.Context, serviceUUID, charUUID string, data []byte, withResponse bool) error {
	ch, err := c.findChar(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- c.client.WriteCharacteristic(ch, data, !withResponse)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *bleConnection) Subscribe(ctx context.Context, serviceUUID, charUUID string, onValue func([]byte)) (func() error, error) {
	ch, err := c.findChar(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	if err := c.client.Subscribe(ch, false, func(data []byte) {
		onValue(data)
	}); err != nil {
		return nil, err
	}

	key := model.NormalizeUUID(serviceUUID) + "/" + model.NormalizeUUID(charUUID)
	c.mu.Lock()
	c.subscribed[key] = ch
	c.mu.Unlock()

	var once sync.Once
	unsubscribe := func() error {
		var unsubErr error
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribed, key)
			c.mu.Unlock()
			unsubErr = c.client.Unsubscribe(ch, false)
		})
		return unsubErr
	}
	return unsubscribe, nil
}

func (c *bleConnection) Disconnected() <-chan struct{} {
	return c.disconnected
}

func (c *bleConnection) Disconnect() error {
	return c.client.CancelConnection()
}

func decodeManufacturerData(raw []byte) map[uint16][]byte {
	out := make(map[uint16][]byte)
	for len(raw) >= 2 {
		companyID := uint16(raw[0]) | uint16(raw[1])<<8
		rest := raw[2:]
		out[companyID] = append(out[companyID], rest...)
		break
	}
	return out
}
