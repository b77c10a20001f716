package queue_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glentner/hypershell/config"
	"github.com/glentner/hypershell/queue"
	"github.com/glentner/hypershell/task"
)

func testServer(t *testing.T, noConfirm bool) (*queue.Server, int) {
	t.Helper()
	srv, err := queue.Listen(config.Server{
		Bind:      "localhost",
		Port:      0,
		Auth:      "test-key",
		Queuesize: 2,
	}, noConfirm)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv, srv.Addr().(*net.TCPAddr).Port
}

func TestHandshakeAndBundleFlow(t *testing.T) {
	req := require.New(t)
	srv, port := testServer(t, false)

	client, err := queue.Connect("localhost", port, "test-key")
	req.NoError(err)
	defer client.Close()

	// server -> client
	outgoing := task.Bundle{task.New("echo a"), task.New("echo b")}
	srv.Scheduled <- outgoing

	var received task.Bundle
	select {
	case received = <-client.Inbound:
	case <-time.After(5 * time.Second):
		t.Fatal("no bundle received")
	}
	req.Equal(outgoing.IDs(), received.IDs())

	// confirm delivery
	req.NoError(client.Ack(task.NewConfirmation(received)))
	select {
	case conf := <-srv.Confirmed:
		req.Equal(received.IDs(), conf.TaskIDs)
	case <-time.After(5 * time.Second):
		t.Fatal("no confirmation received")
	}

	// client -> server return path
	for _, done := range received {
		done.Finish(0, time.Now().UTC(), time.Now().UTC())
	}
	req.NoError(client.Push(received))
	select {
	case returned := <-srv.Completed:
		req.Equal(received.IDs(), returned.IDs())
		req.True(returned[0].Complete())
	case <-time.After(5 * time.Second):
		t.Fatal("no completed bundle received")
	}

	// heartbeats
	req.NoError(client.Beat(task.NewHeartbeat(task.ClientRunning)))
	select {
	case hb := <-srv.Heartbeats:
		req.Equal(task.ClientRunning, hb.State)
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestAuthRejected(t *testing.T) {
	req := require.New(t)
	_, port := testServer(t, false)

	_, err := queue.Connect("localhost", port, "wrong-key")
	req.Error(err)
	req.ErrorIs(err, queue.ErrAuth)
}

func TestDefaultKeyRefusedOffLoopback(t *testing.T) {
	_, err := queue.Listen(config.Server{
		Bind:      "0.0.0.0",
		Port:      0,
		Auth:      config.DefaultAuthkey,
		Queuesize: 1,
	}, false)
	require.Error(t, err)
	require.ErrorIs(t, err, queue.ErrAuth)
}

func TestDisconnectBroadcast(t *testing.T) {
	req := require.New(t)
	srv, port := testServer(t, true)

	client, err := queue.Connect("localhost", port, "test-key")
	req.NoError(err)
	defer client.Close()

	// wait for the registration to land before broadcasting
	req.Eventually(func() bool { return len(srv.Connected()) == 1 },
		5*time.Second, 10*time.Millisecond)

	srv.Disconnect()
	select {
	case <-client.Disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect received")
	}
}

func TestUnconfirmedBundleRequeued(t *testing.T) {
	req := require.New(t)
	srv, port := testServer(t, true)

	first, err := queue.Connect("localhost", port, "test-key")
	req.NoError(err)

	bundle := task.Bundle{task.New("echo requeue")}
	srv.Scheduled <- bundle
	select {
	case <-first.Inbound:
	case <-time.After(5 * time.Second):
		t.Fatal("no bundle received")
	}

	// silent disconnect with no-confirm already delivered: nothing to
	// requeue, but a delivery failure path must put the bundle back
	_ = first.Close()

	second, err := queue.Connect("localhost", port, "test-key")
	req.NoError(err)
	defer second.Close()

	srv.Scheduled <- task.Bundle{task.New("echo next")}
	select {
	case received := <-second.Inbound:
		req.Len(received, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("no bundle received on second client")
	}
}
