package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cochaviz/berth/internal/models"
)

const DefaultSocketPath = "/var/run/berth/daemon.sock"

// DaemonClient is the control-socket API as seen by the CLI.
type DaemonClient interface {
	Provision(req models.ProvisioningRequest, onLog func(line string)) (models.ContainerDescriptor, error)
	Build(req BuildRequest, onLog func(line string)) (string, error)
	Remove(name string) error
	Stop(name string) error
	Start(name string) error
	List() ([]models.ContainerDescriptor, error)
	Inspect(name string) (models.ContainerDescriptor, error)
	PrivateKey(name string) ([]byte, error)
}

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) DaemonClient {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return conn, nil
}

func (c *Client) send(request IPCRequest, response interface{}) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return fmt.Errorf("daemon request failed")
	}
	if response != nil && resp.Data != nil {
		data, err := json.Marshal(resp.Data)
		if err != nil {
			return fmt.Errorf("marshal response payload: %w", err)
		}
		if err := json.Unmarshal(data, response); err != nil {
			return fmt.Errorf("unmarshal response payload: %w", err)
		}
	}
	return nil
}

// stream sends a request whose reply is a sequence of ProvisionEvents and
// returns the terminal result event. Log lines are handed to onLog as they
// arrive.
func (c *Client) stream(request IPCRequest, onLog func(line string)) (ProvisionEvent, error) {
	conn, err := c.dial()
	if err != nil {
		return ProvisionEvent{}, err
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return ProvisionEvent{}, fmt.Errorf("encode request: %w", err)
	}

	decoder := json.NewDecoder(conn)
	for {
		var event ProvisionEvent
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return ProvisionEvent{}, errors.New("daemon closed the stream without a result")
			}
			return ProvisionEvent{}, fmt.Errorf("decode stream event: %w", err)
		}

		switch event.Kind {
		case EventLog:
			if onLog != nil {
				onLog(event.Line)
			}
		case EventResult:
			return event, nil
		case EventError:
			return ProvisionEvent{}, errors.New(event.Error)
		default:
			return ProvisionEvent{}, fmt.Errorf("unknown stream event kind %q", event.Kind)
		}
	}
}

// Provision submits a provisioning request and follows the streamed reply.
// Build log lines are handed to onLog as they arrive; the call returns when
// the terminal event is received.
func (c *Client) Provision(req models.ProvisioningRequest, onLog func(line string)) (models.ContainerDescriptor, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return models.ContainerDescriptor{}, err
	}

	event, err := c.stream(IPCRequest{Command: CommandProvision, Payload: payload}, onLog)
	if err != nil {
		return models.ContainerDescriptor{}, err
	}
	if event.Descriptor == nil {
		return models.ContainerDescriptor{}, errors.New("result event carries no descriptor")
	}
	return *event.Descriptor, nil
}

// Build submits a container-less image build and follows the streamed
// reply, returning the built tag.
func (c *Client) Build(req BuildRequest, onLog func(line string)) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	event, err := c.stream(IPCRequest{Command: CommandBuild, Payload: payload}, onLog)
	if err != nil {
		return "", err
	}
	if event.Tag == "" {
		return "", errors.New("result event carries no tag")
	}
	return event.Tag, nil
}

func (c *Client) Remove(name string) error {
	return c.send(IPCRequest{Command: CommandRemove, Name: name}, nil)
}

func (c *Client) Stop(name string) error {
	return c.send(IPCRequest{Command: CommandStop, Name: name}, nil)
}

func (c *Client) Start(name string) error {
	return c.send(IPCRequest{Command: CommandStart, Name: name}, nil)
}

func (c *Client) List() ([]models.ContainerDescriptor, error) {
	var descriptors []models.ContainerDescriptor
	if err := c.send(IPCRequest{Command: CommandList}, &descriptors); err != nil {
		return nil, err
	}
	return descriptors, nil
}

func (c *Client) Inspect(name string) (models.ContainerDescriptor, error) {
	var descriptor models.ContainerDescriptor
	if err := c.send(IPCRequest{Command: CommandInspect, Name: name}, &descriptor); err != nil {
		return models.ContainerDescriptor{}, err
	}
	return descriptor, nil
}

func (c *Client) PrivateKey(name string) ([]byte, error) {
	var resp struct {
		Key string `json:"key"`
	}
	if err := c.send(IPCRequest{Command: CommandKey, Name: name}, &resp); err != nil {
		return nil, err
	}
	return []byte(resp.Key), nil
}
