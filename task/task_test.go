package task_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glentner/hypershell/task"
)

func TestPackRoundTrip(t *testing.T) {
	req := require.New(t)
	original := task.New("echo hello world")
	original.Tags["site"] = "cluster-a"

	data, err := original.Pack()
	req.NoError(err)

	decoded, err := task.Unpack(data)
	req.NoError(err)
	req.Equal(original.ID, decoded.ID)
	req.Equal("echo hello world", decoded.Args)
	req.Equal(original.SubmitID, decoded.SubmitID)
	req.Equal(int64(1), decoded.Attempt)
	req.Equal("cluster-a", decoded.Tags["site"])
	req.True(decoded.Schedulable())
	req.False(decoded.Complete())
}

func TestNewTrimsArgs(t *testing.T) {
	req := require.New(t)
	created := task.New("  echo padded  \n")
	req.Equal("echo padded", created.Args)
}

func TestNewRetry(t *testing.T) {
	req := require.New(t)
	prev := task.New("false")
	prev.Tags["batch"] = "7"
	status := int64(1)
	prev.ExitStatus = &status

	next := task.NewRetry(prev)
	req.NotEqual(prev.ID, next.ID)
	req.Equal(prev.Args, next.Args)
	req.Equal(prev.Attempt+1, next.Attempt)
	req.NotNil(next.PreviousID)
	req.Equal(prev.ID, *next.PreviousID)
	req.Equal("7", next.Tags["batch"])
	req.True(next.Schedulable())
	req.False(next.Complete())
}

func TestFinishDerivesTimings(t *testing.T) {
	req := require.New(t)
	created := task.New("sleep 1")
	start := created.SubmitTime.Add(3 * time.Second)
	end := start.Add(2 * time.Second)
	created.Finish(0, start, end)

	req.True(created.Complete())
	req.False(created.Failed())
	req.NotNil(created.Waited)
	req.Equal(int64(3), *created.Waited)
	req.NotNil(created.Duration)
	req.Equal(int64(2), *created.Duration)
}

func TestFailed(t *testing.T) {
	req := require.New(t)
	created := task.New("false")
	created.Finish(1, time.Now(), time.Now())
	req.True(created.Failed())
}

func TestBundleRoundTrip(t *testing.T) {
	req := require.New(t)
	bundle := task.Bundle{task.New("echo 1"), task.New("echo 2"), task.New("echo 3")}

	data, err := task.PackBundle(bundle)
	req.NoError(err)

	decoded, err := task.UnpackBundle(data)
	req.NoError(err)
	req.Len(decoded, 3)
	req.Equal(bundle.IDs(), decoded.IDs())
	for i := range bundle {
		req.Equal(bundle[i].Args, decoded[i].Args)
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	req := require.New(t)
	hb := task.NewHeartbeat(task.ClientRunning)
	data, err := hb.Pack()
	req.NoError(err)
	decoded, err := task.UnpackHeartbeat(data)
	req.NoError(err)
	req.Equal(hb.ClientID, decoded.ClientID)
	req.Equal(task.ClientRunning, decoded.State)
}

func TestEnv(t *testing.T) {
	req := require.New(t)
	created := task.New("input.dat")
	command := "process input.dat"
	created.Command = &command
	created.Tags["group"] = "alpha"
	t.Setenv("HYPERSHELL_EXPORT_SITE_NAME", "west")

	env := task.Env(created, "/work", "/var/lib/hs")
	index := map[string]string{}
	for _, entry := range env {
		name, value, _ := strings.Cut(entry, "=")
		index[name] = value
	}

	req.Equal(created.ID, index["TASK_ID"])
	req.Equal("input.dat", index["TASK_ARGS"])
	req.Equal("process input.dat", index["TASK_COMMAND"])
	req.Equal("1", index["TASK_ATTEMPT"])
	req.Equal("/work", index["TASK_CWD"])
	req.Equal("alpha", index["TASK_TAG_GROUP"])
	req.Equal("west", index["SITE_NAME"])
	req.Contains(index["TASK_OUTPATH"], created.ID+".out")
	req.Contains(index["TASK_ERRPATH"], created.ID+".err")
}
