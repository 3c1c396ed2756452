package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/cochaviz/berth/internal/logging"
	"github.com/cochaviz/berth/internal/models"
	"github.com/cochaviz/berth/internal/provision"
	"github.com/cochaviz/berth/internal/repositories/local"
)

// Daemon serves provisioning requests over a unix control socket so the
// CLI does not need engine credentials itself.
type Daemon struct {
	socketPath string
	logger     *slog.Logger
	service    *provision.Service
	recipes    *local.LocalRecipeRepository
}

func New(socketPath string, service *provision.Service, recipes *local.LocalRecipeRepository, logger *slog.Logger) *Daemon {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Daemon{
		socketPath: socketPath,
		logger:     logging.Ensure(logger).With("component", "daemon"),
		service:    service,
		recipes:    recipes,
	}
}

// Start listens on the control socket and serves connections until ctx is
// cancelled. The stale socket file of a previous run is removed first.
func (d *Daemon) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(d.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.socketPath, err)
	}
	if err := os.Chmod(d.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}

	d.logger.Info("daemon listening", "socket", d.socketPath)

	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.logger.Warn("accept failed", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			d.handle(ctx, conn)
		}()
	}

	wg.Wait()
	_ = os.Remove(d.socketPath)
	return nil
}

func (d *Daemon) handle(ctx context.Context, conn net.Conn) {
	var request IPCRequest
	if err := json.NewDecoder(conn).Decode(&request); err != nil {
		d.logger.Warn("malformed request", "error", err)
		d.reply(conn, IPCResponse{Error: "malformed request"})
		return
	}

	logger := d.logger.With("command", request.Command)
	logger.Debug("handling request", "name", request.Name)

	switch request.Command {
	case CommandProvision:
		d.handleProvision(ctx, conn, request)
	case CommandBuild:
		d.handleBuild(ctx, conn, request)
	case CommandRemove:
		d.replyErr(conn, d.service.Remove(ctx, request.Name))
	case CommandStop:
		d.replyErr(conn, d.service.Stop(ctx, request.Name))
	case CommandStart:
		d.replyErr(conn, d.service.Start(ctx, request.Name))
	case CommandList:
		descriptors, err := d.service.List(ctx)
		if err != nil {
			d.reply(conn, IPCResponse{Error: err.Error()})
			return
		}
		d.reply(conn, IPCResponse{OK: true, Data: descriptors})
	case CommandInspect:
		descriptor, err := d.service.Inspect(ctx, request.Name)
		if err != nil {
			d.reply(conn, IPCResponse{Error: err.Error()})
			return
		}
		d.reply(conn, IPCResponse{OK: true, Data: descriptor})
	case CommandKey:
		key, err := d.service.PrivateKey(request.Name)
		if err != nil {
			d.reply(conn, IPCResponse{Error: err.Error()})
			return
		}
		d.reply(conn, IPCResponse{OK: true, Data: map[string]string{"key": string(key)}})
	default:
		d.reply(conn, IPCResponse{Error: fmt.Sprintf("unknown command %q", request.Command)})
	}
}

// handleProvision streams build log lines to the connection as they
// arrive, finishing with a single result or error event.
func (d *Daemon) handleProvision(ctx context.Context, conn net.Conn, request IPCRequest) {
	encoder := json.NewEncoder(conn)
	var encodeMu sync.Mutex
	emit := func(event ProvisionEvent) {
		encodeMu.Lock()
		defer encodeMu.Unlock()
		if err := encoder.Encode(event); err != nil {
			d.logger.Debug("stream write failed", "error", err)
		}
	}

	var req models.ProvisioningRequest
	if err := json.Unmarshal(request.Payload, &req); err != nil {
		emit(ProvisionEvent{Kind: EventError, Error: fmt.Sprintf("malformed provisioning request: %v", err)})
		return
	}

	descriptor, err := d.service.Provision(ctx, req, func(line string) {
		emit(ProvisionEvent{Kind: EventLog, Line: line})
	})
	if err != nil {
		emit(ProvisionEvent{Kind: EventError, Error: err.Error()})
		return
	}
	emit(ProvisionEvent{Kind: EventResult, Descriptor: &descriptor})
}

// handleBuild streams a container-less image build: log lines, then one
// result event carrying the tag.
func (d *Daemon) handleBuild(ctx context.Context, conn net.Conn, request IPCRequest) {
	encoder := json.NewEncoder(conn)
	var encodeMu sync.Mutex
	emit := func(event ProvisionEvent) {
		encodeMu.Lock()
		defer encodeMu.Unlock()
		if err := encoder.Encode(event); err != nil {
			d.logger.Debug("stream write failed", "error", err)
		}
	}

	var req BuildRequest
	if err := json.Unmarshal(request.Payload, &req); err != nil {
		emit(ProvisionEvent{Kind: EventError, Error: fmt.Sprintf("malformed build request: %v", err)})
		return
	}

	if req.SavedRecipe != "" {
		if d.recipes == nil {
			emit(ProvisionEvent{Kind: EventError, Error: "daemon has no recipe store configured"})
			return
		}
		stored, err := d.recipes.Get(req.SavedRecipe)
		if err != nil {
			emit(ProvisionEvent{Kind: EventError, Error: err.Error()})
			return
		}
		if stored == nil {
			emit(ProvisionEvent{Kind: EventError, Error: fmt.Sprintf("no saved recipe named %q", req.SavedRecipe)})
			return
		}
		req.Recipe = stored.Text
	}

	tag, err := d.service.Build(ctx, req.ProvisioningRequest, func(line string) {
		emit(ProvisionEvent{Kind: EventLog, Line: line})
	})
	if err != nil {
		emit(ProvisionEvent{Kind: EventError, Error: err.Error()})
		return
	}
	emit(ProvisionEvent{Kind: EventResult, Tag: tag})
}

func (d *Daemon) reply(conn net.Conn, response IPCResponse) {
	if err := json.NewEncoder(conn).Encode(response); err != nil {
		d.logger.Debug("reply write failed", "error", err)
	}
}

func (d *Daemon) replyErr(conn net.Conn, err error) {
	if err != nil {
		d.reply(conn, IPCResponse{Error: err.Error()})
		return
	}
	d.reply(conn, IPCResponse{OK: true})
}
