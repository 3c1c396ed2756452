package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cochaviz/berth/internal/engine/fake"
	"github.com/cochaviz/berth/internal/keys"
	"github.com/cochaviz/berth/internal/models"
	"github.com/cochaviz/berth/internal/ports"
	"github.com/cochaviz/berth/internal/provision"
	"github.com/cochaviz/berth/internal/repositories/local"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTestDaemon runs a daemon backed by a fake engine and returns its
// socket path together with the engine and recipe store for assertions.
func startTestDaemon(t *testing.T) (string, *fake.Engine, *local.LocalRecipeRepository) {
	t.Helper()

	eng := fake.New()
	service := &provision.Service{
		Keys:   &keys.Manager{BaseDir: t.TempDir(), Bits: 1024},
		Engine: eng,
		Ports: &ports.Allocator{
			Engine: eng,
			Start:  44800,
			Count:  20,
		},
		Logger: newTestLogger(),
	}
	recipes := &local.LocalRecipeRepository{BaseDir: t.TempDir()}

	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	d := New(socketPath, service, recipes, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.Start(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("daemon Start() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not shut down")
		}
	})

	waitForSocket(t, socketPath)
	return socketPath, eng, recipes
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

func TestDaemonProvisionStreamsLogsAndResult(t *testing.T) {
	t.Parallel()

	socketPath, eng, _ := startTestDaemon(t)
	eng.BuildLogLines = []string{"Step 1/4", "Step 2/4"}

	client := NewClient(socketPath)

	var logLines []string
	descriptor, err := client.Provision(models.ProvisioningRequest{
		Name:  "dev-box",
		Image: "ubuntu:24.04",
	}, func(line string) {
		logLines = append(logLines, line)
	})
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	if descriptor.Name != "dev-box" {
		t.Fatalf("descriptor name = %q", descriptor.Name)
	}
	if descriptor.SSHPort == nil {
		t.Fatal("descriptor has no SSH port")
	}
	if strings.Join(logLines, "|") != "Step 1/4|Step 2/4" {
		t.Fatalf("log lines = %v", logLines)
	}
}

func TestDaemonProvisionInvalidRequest(t *testing.T) {
	t.Parallel()

	socketPath, _, _ := startTestDaemon(t)
	client := NewClient(socketPath)

	_, err := client.Provision(models.ProvisioningRequest{Name: "dev-box"}, nil)
	if err == nil {
		t.Fatal("Provision() expected an error")
	}
	if !strings.Contains(err.Error(), "invalid provisioning request") {
		t.Fatalf("Provision() error = %v, want invalid request", err)
	}
}

func TestDaemonListAndRemove(t *testing.T) {
	t.Parallel()

	socketPath, _, _ := startTestDaemon(t)
	client := NewClient(socketPath)

	if _, err := client.Provision(models.ProvisioningRequest{Name: "dev-box", Image: "ubuntu"}, nil); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	descriptors, err := client.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(descriptors) != 1 || descriptors[0].Name != "dev-box" {
		t.Fatalf("List() = %v", descriptors)
	}

	if err := client.Remove("dev-box"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	descriptors, err = client.List()
	if err != nil {
		t.Fatalf("List() after removal error = %v", err)
	}
	if len(descriptors) != 0 {
		t.Fatalf("List() after removal = %v", descriptors)
	}
}

func TestDaemonStopAndStart(t *testing.T) {
	t.Parallel()

	socketPath, _, _ := startTestDaemon(t)
	client := NewClient(socketPath)

	if _, err := client.Provision(models.ProvisioningRequest{Name: "dev-box", Image: "ubuntu"}, nil); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	if err := client.Stop("dev-box"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	descriptor, err := client.Inspect("dev-box")
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if descriptor.State != models.StateStopped {
		t.Fatalf("state = %q, want stopped", descriptor.State)
	}

	if err := client.Start("dev-box"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	descriptor, err = client.Inspect("dev-box")
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if descriptor.State != models.StateRunning {
		t.Fatalf("state = %q, want running", descriptor.State)
	}
}

func TestDaemonPrivateKey(t *testing.T) {
	t.Parallel()

	socketPath, _, _ := startTestDaemon(t)
	client := NewClient(socketPath)

	if _, err := client.Provision(models.ProvisioningRequest{Name: "dev-box", Image: "ubuntu"}, nil); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	key, err := client.PrivateKey("dev-box")
	if err != nil {
		t.Fatalf("PrivateKey() error = %v", err)
	}
	if !strings.Contains(string(key), "RSA PRIVATE KEY") {
		t.Fatal("private key is not PEM encoded")
	}

	if _, err := client.PrivateKey("never-provisioned"); err == nil {
		t.Fatal("PrivateKey() expected an error for an unknown name")
	}
}

func TestDaemonBuildStreamsTag(t *testing.T) {
	t.Parallel()

	socketPath, eng, _ := startTestDaemon(t)
	eng.BuildLogLines = []string{"Step 1/4"}

	client := NewClient(socketPath)

	var logLines []string
	tag, err := client.Build(BuildRequest{
		ProvisioningRequest: models.ProvisioningRequest{Name: "dev-box", Image: "ubuntu"},
	}, func(line string) {
		logLines = append(logLines, line)
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if tag != "berth/dev-box:latest" {
		t.Fatalf("Build() tag = %q", tag)
	}
	if len(logLines) != 1 || logLines[0] != "Step 1/4" {
		t.Fatalf("log lines = %v", logLines)
	}
	if !eng.HasImage(tag) {
		t.Fatal("image was not built")
	}
	if eng.CallCount("CreateContainer") != 0 {
		t.Fatal("Build() created a container")
	}
}

func TestDaemonBuildFromSavedRecipe(t *testing.T) {
	t.Parallel()

	socketPath, eng, recipes := startTestDaemon(t)

	if _, err := recipes.Save(models.SavedRecipe{Name: "golang", Text: "FROM golang:1.24\n"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	client := NewClient(socketPath)

	tag, err := client.Build(BuildRequest{
		ProvisioningRequest: models.ProvisioningRequest{Name: "dev-box"},
		SavedRecipe:         "golang",
	}, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !eng.HasImage(tag) {
		t.Fatal("image was not built")
	}

	_, err = client.Build(BuildRequest{
		ProvisioningRequest: models.ProvisioningRequest{Name: "dev-box"},
		SavedRecipe:         "absent",
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "no saved recipe") {
		t.Fatalf("Build() error = %v, want missing recipe", err)
	}
}

func TestDaemonRejectsUnknownCommand(t *testing.T) {
	t.Parallel()

	socketPath, _, _ := startTestDaemon(t)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial daemon: %v", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(IPCRequest{Command: "selfdestruct"}); err != nil {
		t.Fatalf("encode request: %v", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OK {
		t.Fatal("unknown command was accepted")
	}
	if !strings.Contains(resp.Error, "unknown command") {
		t.Fatalf("error = %q", resp.Error)
	}
}
