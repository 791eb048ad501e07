package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildContainerConfig(t *testing.T) {
	opts := DockerOptions{
		Image:         "voice-bot:latest",
		Command:       []string{"python3", "-m", "bot"},
		Env:           map[string]string{"BOT_MODE": "prod"},
		MemoryLimitMB: 512,
	}

	cfg, host := buildContainerConfig(opts, testSpec())

	assert.Equal(t, "voice-bot:latest", cfg.Image)
	assert.Equal(t, []string{"python3", "-m", "bot", "-u", "https://example.daily.co/room-1", "-t", "bot-token"}, []string(cfg.Cmd))
	assert.Equal(t, "s1", cfg.Labels["voicepool.session_id"])
	assert.Equal(t, "true", cfg.Labels["voicepool.managed"])
	assert.Contains(t, cfg.Env, "BOT_MODE=prod")
	assert.Contains(t, cfg.Env, "VOICEPOOL_SESSION_ID=s1")
	assert.False(t, cfg.Tty)

	assert.Equal(t, int64(512*units.MiB), host.Resources.Memory)
	assert.Contains(t, host.SecurityOpt, "no-new-privileges")
	assert.False(t, host.AutoRemove)
}

func TestBuildContainerConfig_ImageCommand(t *testing.T) {
	cfg, host := buildContainerConfig(DockerOptions{Image: "bot"}, testSpec())

	// Without a command override the image entrypoint receives only the room args.
	assert.Equal(t, []string{"-u", "https://example.daily.co/room-1", "-t", "bot-token"}, []string(cfg.Cmd))
	assert.Zero(t, host.Resources.Memory)
}

func TestContainerNaming(t *testing.T) {
	assert.Equal(t, "voicepool-abc", containerName("abc"))
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef"))
	assert.Equal(t, "short", shortID("short"))
}

// fakeDaemon answers container stop immediately and counts forced removes.
func fakeDaemon(t *testing.T) (*DockerLauncher, *atomic.Int32) {
	t.Helper()
	var removes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/containers/c1/stop"):
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete && strings.HasSuffix(r.URL.Path, "/containers/c1"):
			if r.URL.Query().Get("force") == "1" {
				removes.Add(1)
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	cli, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+strings.TrimPrefix(srv.URL, "http://")),
		client.WithVersion("1.43"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })
	return &DockerLauncher{docker: cli, logger: testLogger()}, &removes
}

func TestContainerStop_RemovesWhenContextEnds(t *testing.T) {
	l, removes := fakeDaemon(t)
	h := &containerHandle{id: "c1", launcher: l, done: make(chan struct{}), logger: testLogger()}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := h.Stop(ctx, 5*time.Second)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), removes.Load())
}

func TestContainerStop_AlreadyExited(t *testing.T) {
	l, removes := fakeDaemon(t)
	h := &containerHandle{id: "c1", launcher: l, done: make(chan struct{}), logger: testLogger()}
	close(h.done)

	require.NoError(t, h.Stop(context.Background(), time.Second))
	assert.Zero(t, removes.Load())
}
