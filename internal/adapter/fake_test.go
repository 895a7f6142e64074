package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeFacadeScanEmitsAdvertisements(t *testing.T) {
	f := NewFakeFacade()
	ctx, cancel := context.WithCancel(context.Background())

	received := make(chan Advertisement, 1)
	go func() {
		_ = f.ScanStart(ctx, true, func(a Advertisement) {
			received <- a
		})
	}()

	require.Eventually(t, f.IsScanning, time.Second, time.Millisecond)

	f.Emit(Advertisement{MAC: "AA:BB:CC:DD:EE:01", RSSI: -55})
	select {
	case a := <-received:
		assert.Equal(t, "AA:BB:CC:DD:EE:01", a.MAC)
		assert.Equal(t, -55, a.RSSI)
	case <-time.After(time.Second):
		t.Fatal("advertisement not delivered")
	}

	cancel()
	require.Eventually(t, func() bool { return !f.IsScanning() }, time.Second, time.Millisecond)
}

func TestFakeFacadeConnectScriptedFailureThenSuccess(t *testing.T) {
	f := NewFakeFacade()
	attempts := 0
	f.SetConnectFunc(func(ctx context.Context, mac string, timeout time.Duration) (Connection, error) {
		attempts++
		if attempts < 3 {
			return nil, ErrConnectTimeout
		}
		return NewFakeConnection(), nil
	})

	var err error
	var conn Connection
	for i := 0; i < 3; i++ {
		conn, err = f.Connect(context.Background(), "AA:BB:CC:DD:EE:01", time.Second)
		if err == nil {
			break
		}
	}
	require.NoError(t, err)
	assert.NotNil(t, conn)
	assert.Equal(t, 3, attempts)
}

func TestFakeConnectionSubscribePush(t *testing.T) {
	conn := NewFakeConnection()
	values := make(chan []byte, 1)
	unsub, err := conn.Subscribe(context.Background(), "180d", "2a37", func(v []byte) {
		values <- v
	})
	require.NoError(t, err)

	conn.Push("180d", "2a37", []byte{0x01, 0x02})
	select {
	case v := <-values:
		assert.Equal(t, []byte{0x01, 0x02}, v)
	case <-time.After(time.Second):
		t.Fatal("value not delivered")
	}

	require.NoError(t, unsub())
	conn.Push("180d", "2a37", []byte{0x03})
	select {
	case <-values:
		t.Fatal("value delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFakeConnectionDrop(t *testing.T) {
	conn := NewFakeConnection()
	select {
	case <-conn.Disconnected():
		t.Fatal("should not be disconnected yet")
	default:
	}
	conn.Drop()
	select {
	case <-conn.Disconnected():
	case <-time.After(time.Second):
		t.Fatal("disconnected channel not closed")
	}
}
