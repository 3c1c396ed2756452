package provision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/cochaviz/berth/internal/engine"
	"github.com/cochaviz/berth/internal/engine/fake"
	"github.com/cochaviz/berth/internal/keys"
	"github.com/cochaviz/berth/internal/models"
	"github.com/cochaviz/berth/internal/ports"
)

const testPortStart = 43800

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *fake.Engine) {
	t.Helper()

	eng := fake.New()
	service := &Service{
		Keys:   &keys.Manager{BaseDir: t.TempDir(), Bits: 1024},
		Engine: eng,
		Ports: &ports.Allocator{
			Engine: eng,
			Start:  testPortStart,
			Count:  20,
			TTL:    time.Minute,
		},
		Logger: newTestLogger(),
	}
	return service, eng
}

func imageRequest(name string) models.ProvisioningRequest {
	return models.ProvisioningRequest{Name: name, Image: "ubuntu:24.04"}
}

func TestProvisionFromImage(t *testing.T) {
	t.Parallel()

	service, eng := newTestService(t)

	descriptor, err := service.Provision(context.Background(), imageRequest("dev-box"), nil)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	if descriptor.Name != "dev-box" {
		t.Fatalf("descriptor name = %q", descriptor.Name)
	}
	if descriptor.SSHPort == nil {
		t.Fatal("descriptor has no SSH port")
	}
	if !strings.Contains(descriptor.SSHCommand, service.Keys.PrivateKeyPath("dev-box")) {
		t.Fatalf("ssh command %q does not reference the private key", descriptor.SSHCommand)
	}
	if !eng.HasImage("berth/dev-box:latest") {
		t.Fatal("image was not built")
	}
	if _, err := service.Keys.Read("dev-box"); err != nil {
		t.Fatalf("private key missing after provisioning: %v", err)
	}

	wantOrder := "Ping,BuildImage,PublishedPorts,CreateContainer,StartContainer,InspectContainer"
	if got := eng.CallNames(); got != wantOrder {
		t.Fatalf("call order = %s, want %s", got, wantOrder)
	}
}

func TestProvisionAppliesLabelsAndPort(t *testing.T) {
	t.Parallel()

	service, eng := newTestService(t)

	descriptor, err := service.Provision(context.Background(), imageRequest("dev-box"), nil)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	var cfg engine.CreateConfig
	found := false
	for _, call := range eng.Calls() {
		if call.Method == "CreateContainer" {
			cfg = call.Args[0].(engine.CreateConfig)
			found = true
		}
	}
	if !found {
		t.Fatal("CreateContainer was never called")
	}

	if cfg.Labels[engine.LabelManaged] != "true" {
		t.Fatalf("labels = %v, want managed=true", cfg.Labels)
	}
	if cfg.Labels[engine.LabelName] != "dev-box" {
		t.Fatalf("labels = %v, want name label", cfg.Labels)
	}
	if cfg.SSHHostPort != *descriptor.SSHPort {
		t.Fatalf("created with port %d, descriptor reports %d", cfg.SSHHostPort, *descriptor.SSHPort)
	}
	if cfg.Image != "berth/dev-box:latest" {
		t.Fatalf("created from image %q", cfg.Image)
	}
}

func TestProvisionInvalidRequestTouchesNothing(t *testing.T) {
	t.Parallel()

	service, eng := newTestService(t)

	_, err := service.Provision(context.Background(), models.ProvisioningRequest{Name: "dev"}, nil)
	if !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("Provision() error = %v, want ErrInvalidRequest", err)
	}
	if calls := eng.Calls(); len(calls) != 0 {
		t.Fatalf("engine was called %d times for an invalid request: %s", len(calls), eng.CallNames())
	}
	if _, err := service.Keys.Read("dev"); !errors.Is(err, keys.ErrKeyNotFound) {
		t.Fatal("a key was generated for an invalid request")
	}
}

func TestProvisionUnreachableEngineAbortsEarly(t *testing.T) {
	t.Parallel()

	service, eng := newTestService(t)
	eng.PingErr = func(context.Context) error { return engine.ErrEngineUnreachable }

	_, err := service.Provision(context.Background(), imageRequest("dev-box"), nil)
	if !errors.Is(err, engine.ErrEngineUnreachable) {
		t.Fatalf("Provision() error = %v, want ErrEngineUnreachable", err)
	}
	if _, err := service.Keys.Read("dev-box"); !errors.Is(err, keys.ErrKeyNotFound) {
		t.Fatal("a key was generated although the engine is unreachable")
	}
}

func TestProvisionBuildFailureRollsBackKey(t *testing.T) {
	t.Parallel()

	service, eng := newTestService(t)
	eng.BuildImageErr = func(context.Context, string) error { return errors.New("exit code 1") }

	_, err := service.Provision(context.Background(), imageRequest("dev-box"), nil)
	if err == nil {
		t.Fatal("Provision() expected an error")
	}
	if _, err := service.Keys.Read("dev-box"); !errors.Is(err, keys.ErrKeyNotFound) {
		t.Fatal("key survived a failed build")
	}
	if eng.CallCount("CreateContainer") != 0 {
		t.Fatal("a container was created despite the failed build")
	}
}

func TestProvisionPortExhaustionCreatesNoContainer(t *testing.T) {
	t.Parallel()

	service, eng := newTestService(t)
	for port := testPortStart; port < testPortStart+20; port++ {
		eng.OccupyPort(port)
	}

	_, err := service.Provision(context.Background(), imageRequest("dev-box"), nil)
	if !errors.Is(err, ports.ErrPortExhausted) {
		t.Fatalf("Provision() error = %v, want ErrPortExhausted", err)
	}
	if eng.CallCount("CreateContainer") != 0 {
		t.Fatal("a container was created despite port exhaustion")
	}
	if _, err := service.Keys.Read("dev-box"); !errors.Is(err, keys.ErrKeyNotFound) {
		t.Fatal("key survived a failed attempt")
	}
	if eng.CallCount("RemoveImage") == 0 {
		t.Fatal("built image was not rolled back")
	}
}

func TestProvisionStartFailureRemovesContainer(t *testing.T) {
	t.Parallel()

	service, eng := newTestService(t)
	eng.StartContainerErr = func(context.Context, string) error { return errors.New("oom") }

	_, err := service.Provision(context.Background(), imageRequest("dev-box"), nil)
	if err == nil {
		t.Fatal("Provision() expected an error")
	}
	if eng.CallCount("RemoveContainer") != 1 {
		t.Fatal("failed container was not removed")
	}

	descriptors, listErr := eng.ListContainers(context.Background())
	if listErr != nil {
		t.Fatalf("ListContainers() error = %v", listErr)
	}
	if len(descriptors) != 0 {
		t.Fatalf("%d containers left behind after rollback", len(descriptors))
	}
}

func TestProvisionForwardsBuildLogs(t *testing.T) {
	t.Parallel()

	service, eng := newTestService(t)
	eng.BuildLogLines = []string{"Step 1/4 : FROM ubuntu:24.04", "Step 2/4 : RUN apt-get update"}

	var seen []string
	_, err := service.Provision(context.Background(), imageRequest("dev-box"), func(line string) {
		seen = append(seen, line)
	})
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if len(seen) != 2 || seen[0] != eng.BuildLogLines[0] || seen[1] != eng.BuildLogLines[1] {
		t.Fatalf("forwarded log lines = %v", seen)
	}
}

func TestProvisionDistinctNamesGetDistinctPorts(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)

	first, err := service.Provision(context.Background(), imageRequest("one"), nil)
	if err != nil {
		t.Fatalf("Provision(one) error = %v", err)
	}
	second, err := service.Provision(context.Background(), imageRequest("two"), nil)
	if err != nil {
		t.Fatalf("Provision(two) error = %v", err)
	}
	if *first.SSHPort == *second.SSHPort {
		t.Fatalf("both containers got port %d", *first.SSHPort)
	}
}

func TestProvisionRejectsConcurrentSameName(t *testing.T) {
	t.Parallel()

	service, eng := newTestService(t)

	buildStarted := make(chan struct{})
	releaseBuild := make(chan struct{})
	eng.BuildImageErr = func(context.Context, string) error {
		close(buildStarted)
		<-releaseBuild
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := service.Provision(context.Background(), imageRequest("dev-box"), nil)
		done <- err
	}()

	<-buildStarted
	_, err := service.Provision(context.Background(), imageRequest("dev-box"), nil)
	if !errors.Is(err, ErrNameInUse) {
		t.Fatalf("concurrent Provision() error = %v, want ErrNameInUse", err)
	}

	close(releaseBuild)
	if err := <-done; err != nil {
		t.Fatalf("first Provision() error = %v", err)
	}
}

func TestProvisionCreatesNamedVolumes(t *testing.T) {
	t.Parallel()

	service, eng := newTestService(t)

	req := imageRequest("dev-box")
	req.Volumes = []models.VolumeMount{
		{Name: "workspace", MountPath: "/workspace"},
		{Name: "cache", MountPath: "/root/.cache"},
	}

	descriptor, err := service.Provision(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if eng.CallCount("CreateVolume") != 2 {
		t.Fatalf("CreateVolume called %d times, want 2", eng.CallCount("CreateVolume"))
	}
	if len(descriptor.Volumes) != 2 ||
		descriptor.Volumes[0] != req.Volumes[0] ||
		descriptor.Volumes[1] != req.Volumes[1] {
		t.Fatalf("descriptor volumes = %v, want %v", descriptor.Volumes, req.Volumes)
	}

	volumes, err := eng.ListVolumes(context.Background())
	if err != nil {
		t.Fatalf("ListVolumes() error = %v", err)
	}
	if len(volumes) != 2 {
		t.Fatalf("ListVolumes() returned %d volumes, want 2", len(volumes))
	}
}

func TestBuildWithoutContainer(t *testing.T) {
	t.Parallel()

	service, eng := newTestService(t)

	tag, err := service.Build(context.Background(), imageRequest("dev-box"), nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if tag != "berth/dev-box:latest" {
		t.Fatalf("Build() tag = %q", tag)
	}
	if !eng.HasImage(tag) {
		t.Fatal("image was not built")
	}
	if eng.CallCount("CreateContainer") != 0 {
		t.Fatal("Build() created a container")
	}
	if _, err := service.Keys.Read("dev-box"); err != nil {
		t.Fatalf("private key missing after build: %v", err)
	}
}

func TestBuildFailureCleansUpKey(t *testing.T) {
	t.Parallel()

	service, eng := newTestService(t)
	eng.BuildImageErr = func(context.Context, string) error { return errors.New("exit code 1") }

	if _, err := service.Build(context.Background(), imageRequest("dev-box"), nil); err == nil {
		t.Fatal("Build() expected an error")
	}
	if _, err := service.Keys.Read("dev-box"); !errors.Is(err, keys.ErrKeyNotFound) {
		t.Fatal("key survived a failed build")
	}
}

func TestRemoveCleansUpKeyAndImage(t *testing.T) {
	t.Parallel()

	service, eng := newTestService(t)

	if _, err := service.Provision(context.Background(), imageRequest("dev-box"), nil); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	if err := service.Remove(context.Background(), "dev-box"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if _, err := service.Keys.Read("dev-box"); !errors.Is(err, keys.ErrKeyNotFound) {
		t.Fatal("key survived removal")
	}
	if eng.HasImage("berth/dev-box:latest") {
		t.Fatal("image survived removal")
	}
	descriptors, err := service.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(descriptors) != 0 {
		t.Fatalf("%d containers left after removal", len(descriptors))
	}
}

func TestRemoveUnknownContainer(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)

	err := service.Remove(context.Background(), "never-provisioned")
	if !errors.Is(err, engine.ErrContainerNotFound) {
		t.Fatalf("Remove() error = %v, want ErrContainerNotFound", err)
	}
}

func TestListAttachesSSHCommand(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)

	if _, err := service.Provision(context.Background(), imageRequest("dev-box"), nil); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	descriptors, err := service.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(descriptors) != 1 {
		t.Fatalf("List() returned %d descriptors, want 1", len(descriptors))
	}
	if descriptors[0].SSHCommand == "" {
		t.Fatal("listed descriptor has no SSH command")
	}
}
