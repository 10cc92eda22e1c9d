package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/build"
	"github.com/weftlabs/weft/internal/config"
)

// The tests share the global viper instance, so they reset it and run
// sequentially.

// withSpool temporarily buffers standard output and returns it as a string.
func withSpool(t *testing.T, fn func()) string {
	t.Helper()

	orig := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	os.Stdout = orig
	require.NoError(t, w.Close())

	var buf bytes.Buffer
	_, err = io.Copy(&buf, r)
	require.NoError(t, err)
	return buf.String()
}

func newTestRoot(sub *cobra.Command) *cobra.Command {
	root := &cobra.Command{Use: "root"}
	root.AddCommand(sub)
	return root
}

func TestVersionCommand(t *testing.T) {
	viper.Reset()

	root := newTestRoot(CmdVersion())
	root.SetArgs([]string{"version"})

	out := withSpool(t, func() {
		require.NoError(t, root.Execute())
	})
	assert.Equal(t, build.Version+"\n", out)
}

func TestServerFlagsOverrideConfig(t *testing.T) {
	viper.Reset()
	home := t.TempDir()
	t.Setenv("WEFT_HOME", home)

	dataDir := filepath.Join(home, "custom")
	var got *config.Config
	probe := NewCommand(&cobra.Command{Use: "probe"}, serverFlags, func(ctx *Context, _ []string) error {
		got = ctx.Config
		return nil
	})

	root := newTestRoot(probe)
	root.SetArgs([]string{"probe",
		"--host", "0.0.0.0",
		"--port", "9191",
		"--data-dir", dataDir,
		"--debug",
		"--quiet",
	})
	require.NoError(t, root.Execute())

	require.NotNil(t, got)
	assert.Equal(t, "0.0.0.0:9191", got.Server.Addr())
	assert.True(t, got.Core.Debug)
	assert.True(t, got.Core.Quiet)
	assert.Equal(t, dataDir, got.Paths.DataDir)
	assert.Equal(t, filepath.Join(dataDir, "weft.db"), got.Paths.DatabaseFile)
}

func TestUnsetFlagsKeepLoaderDefaults(t *testing.T) {
	viper.Reset()
	t.Setenv("WEFT_HOME", t.TempDir())

	var got *config.Config
	probe := NewCommand(&cobra.Command{Use: "probe"}, serverFlags, func(ctx *Context, _ []string) error {
		got = ctx.Config
		return nil
	})
	root := newTestRoot(probe)
	root.SetArgs([]string{"probe"})
	require.NoError(t, root.Execute())

	require.NotNil(t, got)
	assert.Equal(t, "127.0.0.1", got.Server.Host)
	assert.Equal(t, 8080, got.Server.Port)
	assert.False(t, got.Core.Debug)
}

func TestServerCommandServesAndDrains(t *testing.T) {
	viper.Reset()
	home := t.TempDir()
	t.Setenv("WEFT_HOME", home)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := newTestRoot(CmdServer())
	root.SetArgs([]string{"server", "--port", strconv.Itoa(port), "--quiet"})

	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)

	// The registry database lands under the home directory.
	assert.FileExists(t, filepath.Join(home, "data", "weft.db"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down after context cancellation")
	}
}
